package viz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
)

type ImageContainer struct {
	name string
	data []byte
}

// Data returns the encoded PNG.
func (i *ImageContainer) Data() []byte {
	return i.data
}

type Producer interface {
	Name() string
	GetImage() *ImageContainer
	AddPlotOption(opt PlotOptions)
}

type Server struct {
	images          map[string]map[string]*ImageContainer
	mu              sync.RWMutex
	srv             *http.Server
	producerBuckets map[string]map[string]Producer
	windows         map[string]*ViewWindow
	updateInterval  time.Duration
	enabled         bool
	lastViewed      map[string]time.Time
}

func NewServer(port int, updateInterval time.Duration) *Server {
	if updateInterval <= 0 {
		updateInterval = 500 * time.Millisecond
	}
	s := &Server{
		images:          make(map[string]map[string]*ImageContainer),
		producerBuckets: make(map[string]map[string]Producer),
		windows:         make(map[string]*ViewWindow),
		lastViewed:      make(map[string]time.Time),
		srv:             &http.Server{Addr: fmt.Sprintf(":%d", port)},
		updateInterval:  updateInterval,
		enabled:         true,
	}
	s.srv.Handler = s.Handler()
	return s
}

func (s *Server) Enable(enable bool) {
	s.mu.Lock()
	s.enabled = enable
	s.mu.Unlock()
}

func (s *Server) Register(key string, p Producer) {
	s.mu.Lock()
	bucket, ok := s.producerBuckets[key]
	if !ok {
		bucket = make(map[string]Producer)
		s.producerBuckets[key] = bucket
	}
	bucket[p.Name()] = p
	s.mu.Unlock()
}

// RegisterWindow exposes scrolling of w under key.
func (s *Server) RegisterWindow(key string, w *ViewWindow) {
	s.mu.Lock()
	s.windows[key] = w
	s.mu.Unlock()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// refresh renders every producer of buckets viewed within the last second.
func (s *Server) refresh() {
	s.mu.RLock()
	enabled := s.enabled
	type job struct {
		bucket string
		p      Producer
	}
	var jobs []job
	for bucketName, bucket := range s.producerBuckets {
		if time.Since(s.lastViewed[bucketName]) >= time.Second {
			continue
		}
		for _, producer := range bucket {
			jobs = append(jobs, job{bucketName, producer})
		}
	}
	s.mu.RUnlock()
	if !enabled {
		return
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(bucket string, p Producer) {
			defer wg.Done()

			img := p.GetImage()
			if img == nil {
				return
			}

			s.mu.Lock()
			mb, ok := s.images[bucket]
			if !ok {
				mb = make(map[string]*ImageContainer)
				s.images[bucket] = mb
			}
			mb[img.name] = img
			s.mu.Unlock()
		}(j.bucket, j.p)
	}
	wg.Wait()
}

func (s *Server) markViewed(bucket string) {
	s.mu.Lock()
	s.lastViewed[bucket] = time.Now()
	s.mu.Unlock()
}

type windowStatus struct {
	Offset     float64 `json:"offset"`
	MaxOffset  float64 `json:"max_offset"`
	FollowTail bool    `json:"follow_tail"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Points     int     `json:"points"`
}

func statusOf(w *ViewWindow) windowStatus {
	t0, t1 := w.Bounds()
	return windowStatus{
		Offset:     w.Offset(),
		MaxOffset:  w.MaxOffset(),
		FollowTail: w.FollowTail(),
		Start:      t0,
		End:        t1,
		Points:     w.Len(),
	}
}

func (s *Server) Handler() http.Handler {
	handler := httprouter.New()
	handler.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.mu.RLock()
		keys := make([]string, 0, len(s.producerBuckets))
		for name := range s.producerBuckets {
			keys = append(keys, name)
		}
		s.mu.RUnlock()
		if len(keys) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		sort.Strings(keys)

		w.Header().Set("Location", "/view/"+url.PathEscape(keys[0]))
		w.WriteHeader(http.StatusFound)
	})

	handler.GET("/view/:bucket", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		bucket := params.ByName("bucket")

		s.mu.RLock()
		itemsForBucket, ok := s.producerBuckets[bucket]
		bucketKeys := make([]string, 0, len(s.producerBuckets))
		for key := range s.producerBuckets {
			bucketKeys = append(bucketKeys, key)
		}
		itemKeys := make([]string, 0, len(itemsForBucket))
		for key := range itemsForBucket {
			itemKeys = append(itemKeys, key)
		}
		s.mu.RUnlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		sort.Strings(bucketKeys)
		sort.Strings(itemKeys)

		s.markViewed(bucket)

		w.Header().Add("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Pulsescope</title></head>`))

		w.Write([]byte(fmt.Sprintf(`
		<script type="text/javascript">
			var toggleRefresh = true;
			function toggleOn() {
				toggleRefresh = !toggleRefresh;
			}

			function changeBucket() {
				var val = document.getElementById('bucketSelector').value;
				window.location.href = '/view/' + val;
			}
			window.onload = function() {
				for (var i = 0; i < %d; i++) {
					var img = document.getElementById('graph-' + i);
					setInterval(function(image) {
						if (toggleRefresh) {
							image.src = image.src.split("?")[0] + "?" + new Date().getTime();
						}
					}, %d, img);
				}
			}
		</script>`, len(itemKeys), s.updateInterval.Milliseconds())))
		w.Write([]byte(`<body style='background-color: black'>`))

		w.Write([]byte(`<select id="bucketSelector" onchange="changeBucket()">`))
		for _, bucketName := range bucketKeys {
			selected := ""
			if bucketName == bucket {
				selected = " selected"
			}
			w.Write([]byte(fmt.Sprintf(`<option value="%s"%s>%s</option>`, bucketName, selected, bucketName)))
		}
		w.Write([]byte(`</select>`))
		w.Write([]byte(`<button onclick="toggleOn()">Refresh?</button>`))

		w.Write([]byte(`<div style="display: flex; flex-direction: row; flex-wrap: wrap">`))
		for idx, key := range itemKeys {
			w.Write([]byte(fmt.Sprintf(`<div><img id="graph-%d" src="/img/%s/%s?%d" /></div>`,
				idx, url.PathEscape(bucket), url.PathEscape(key), time.Now().UnixMicro())))
		}
		w.Write([]byte(`</div>`))

		w.Write([]byte(`</body></html>`))
	})

	handler.GET("/img/:bucket/:img", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		bucketName := params.ByName("bucket")
		s.markViewed(bucketName)

		s.mu.RLock()
		img, ok := s.images[bucketName][params.ByName("img")]
		s.mu.RUnlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Add("Content-Type", "image/png")
		w.Write(img.data)
	})

	handler.GET("/window/:name", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		s.mu.RLock()
		win, ok := s.windows[params.ByName("name")]
		s.mu.RUnlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statusOf(win))
	})

	// scroll takes offset in seconds; "tail" pins the window to the newest data.
	handler.POST("/window/:name/scroll", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		s.mu.RLock()
		win, ok := s.windows[params.ByName("name")]
		s.mu.RUnlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		raw := r.URL.Query().Get("offset")
		var offset float64
		if raw == "tail" {
			offset = win.MaxOffset()
		} else {
			var err error
			offset, err = strconv.ParseFloat(raw, 64)
			if err != nil {
				http.Error(w, fmt.Sprintf("bad offset %q", raw), http.StatusBadRequest)
				return
			}
		}
		win.Scroll(offset)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statusOf(win))
	})

	return handler
}

func (s *Server) Run(ctx context.Context) error {

	go func() {
		ticker := time.NewTicker(s.updateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refresh()
			}
		}
	}()

	log.Info().Str("addr", s.srv.Addr).Msg("viz server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
