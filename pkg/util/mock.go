package util

import "github.com/influxdata/influxdb-client-go/api/write"

// MockWriteAPI discards every point. Workers, outputs and the poller use it
// until WithInfluxDB supplies a real writer.
type MockWriteAPI struct{}

func (m *MockWriteAPI) WriteRecord(line string)       {}
func (m *MockWriteAPI) WritePoint(point *write.Point) {}
func (m *MockWriteAPI) Flush()                        {}
func (m *MockWriteAPI) Close()                        {}

// Errors returns nil; there are never write errors to collect.
func (m *MockWriteAPI) Errors() <-chan error { return nil }
