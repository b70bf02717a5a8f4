package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/pulsescope/pkg/pulsescope"
	"github.com/norasector/pulsescope/pkg/pulsescope/config"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const receiveChannels = 8

// maxDatagram is the largest payload the uint16 length header can describe.
const maxDatagram = 1<<16 - 1

// SnapshotUDPOutput sends every received snapshot to a set of UDP
// destinations as a length-prefixed protobuf Struct.
type SnapshotUDPOutput struct {
	dests    []config.OutputDestination
	raw      bool
	recvChan chan *pulsescope.Snapshot
	metrics  api.WriteAPI
}

// NewSnapshotUDPOutput creates the output. With raw unset only the average row
// is sent, which keeps datagrams small for long sweeps.
func NewSnapshotUDPOutput(dests []config.OutputDestination, raw bool, metrics api.WriteAPI) *SnapshotUDPOutput {
	return &SnapshotUDPOutput{
		dests:    dests,
		raw:      raw,
		recvChan: make(chan *pulsescope.Snapshot, receiveChannels),
		metrics:  metrics,
	}
}

func (s *SnapshotUDPOutput) Receive() chan<- *pulsescope.Snapshot {
	return s.recvChan
}

// EncodeSnapshot returns the wire form of snap: a little endian uint16 length
// followed by the marshaled structpb.Struct.
func EncodeSnapshot(snap *pulsescope.Snapshot, raw bool) ([]byte, error) {
	fields := map[string]interface{}{
		"kind":             snap.Kind.String(),
		"sweep":            snap.Sweep,
		"count":            snap.Count,
		"shape_mismatches": snap.ShapeMismatches,
		"time_ns":          snap.Time.UnixNano(),
		"average":          floatList(snap.Average),
	}
	if raw {
		rows := make([]interface{}, 0, len(snap.Raw()))
		for _, r := range snap.Raw() {
			rows = append(rows, floatList(r))
		}
		fields["rows"] = rows
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	encoded, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}
	if len(encoded) > maxDatagram {
		return nil, fmt.Errorf("encoded snapshot is %d bytes, limit %d", len(encoded), maxDatagram)
	}

	var msgBuf bytes.Buffer
	if err := binary.Write(&msgBuf, binary.LittleEndian, uint16(len(encoded))); err != nil {
		return nil, err
	}
	msgBuf.Write(encoded)
	return msgBuf.Bytes(), nil
}

// DecodeSnapshot parses one datagram produced by EncodeSnapshot.
func DecodeSnapshot(b []byte) (*structpb.Struct, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("short datagram: %d bytes", len(b))
	}
	n := int(binary.LittleEndian.Uint16(b))
	if len(b)-2 < n {
		return nil, fmt.Errorf("truncated datagram: header %d, body %d", n, len(b)-2)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(b[2:2+n], &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func floatList(r []float64) []interface{} {
	out := make([]interface{}, len(r))
	for i, v := range r {
		out[i] = v
	}
	return out
}

func (s *SnapshotUDPOutput) Start(ctx context.Context) error {
	destAddrs := make([]*net.UDPAddr, 0, len(s.dests))
	for _, dest := range s.dests {
		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return err
		}
		if len(ips) == 0 {
			return fmt.Errorf("no IPs returned for %s", dest.Host)
		}

		destAddr := &net.UDPAddr{IP: ips[0], Port: dest.Port}
		destAddrs = append(destAddrs, destAddr)
		log.Info().IPAddr("dest_ip", destAddr.IP).Int("port", dest.Port).Msg("stream output starting")
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case snap := <-s.recvChan:
				msg, err := EncodeSnapshot(snap, s.raw)
				if err != nil {
					log.Warn().Err(err).Int("sweep", snap.Sweep).Msg("error encoding snapshot")
					continue
				}

				sent, dropped, bytesWritten := 0, 0, 0
				for _, destAddr := range destAddrs {
					n, err := conn.WriteToUDP(msg, destAddr)
					if err != nil {
						log.Error().Err(err).Msg("error writing")
						dropped++
						continue
					}
					bytesWritten += n
					sent++
				}

				go s.metrics.WritePoint(influxdb2.NewPoint("pulsescope.sent_snapshot",
					map[string]string{"kind": snap.Kind.String()},
					map[string]interface{}{
						"bytes_written":  bytesWritten,
						"encoded_length": len(msg),
						"sent":           sent,
						"dropped":        dropped,
					}, time.Now()))
			}
		}
	})

	return eg.Wait()
}
