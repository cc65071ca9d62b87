package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync/atomic"
	"time"
)

// Statsd contains all metrics from server start up till now.
// They are periodically dump to statsd if configured.
type Statsd struct {
	// cumulative statistics, atomics, incremented directly
	// in grafana, to view deltas instead of rising metrics, one should use nonNegativeDerivative
	joinsAccepted   int64
	joinsRejected   int64
	messagesRelayed int64
	quotaDenials    int64
	bytesReceived   int64
	filesReceived   int64
	bytesServed     int64
	filesServed     int64

	statsdConnection net.Conn
	statsdBuffer     bytes.Buffer
}

func MakeStatsd(statsdHostPort string) (*Statsd, error) {
	if statsdHostPort == "" {
		return &Statsd{
			statsdConnection: nil,
		}, nil
	}

	conn, err := net.Dial("udp", statsdHostPort)
	if err != nil {
		return nil, err
	}

	return &Statsd{
		statsdConnection: conn,
	}, nil
}

func (cs *Statsd) writeStat(statName string, value int64) {
	fmt.Fprintf(&cs.statsdBuffer, "cipherdrop.%s:%d|g\n", statName, value)
}

func (cs *Statsd) fillBufferWithStats(cipherDropServer *CipherDropServer) {
	cs.writeStat("server.uptime", int64(time.Since(cipherDropServer.StartTime).Seconds()))
	cs.writeStat("server.goroutines", int64(runtime.NumGoroutine()))

	cs.writeStat("sessions.active", cipherDropServer.Sessions.ActiveCount())
	cs.writeStat("sessions.created", cipherDropServer.Sessions.CreatedCount())
	cs.writeStat("sessions.expired", cipherDropServer.Sessions.ExpiredCount())

	cs.writeStat("joins.accepted", atomic.LoadInt64(&cs.joinsAccepted))
	cs.writeStat("joins.rejected", atomic.LoadInt64(&cs.joinsRejected))
	cs.writeStat("messages.relayed", atomic.LoadInt64(&cs.messagesRelayed))

	cs.writeStat("uploads.active", cipherDropServer.Uploads.ActiveCount())
	cs.writeStat("uploads.started", cipherDropServer.Uploads.StartedCount())
	cs.writeStat("uploads.completed", cipherDropServer.Uploads.CompletedCount())
	cs.writeStat("uploads.canceled", cipherDropServer.Uploads.CanceledCount())
	cs.writeStat("uploads.expired", cipherDropServer.Uploads.ExpiredCount())
	cs.writeStat("uploads.quota_denials", atomic.LoadInt64(&cs.quotaDenials))

	cs.writeStat("receive.bytes", atomic.LoadInt64(&cs.bytesReceived))
	cs.writeStat("receive.files", atomic.LoadInt64(&cs.filesReceived))

	cs.writeStat("serve.bytes", atomic.LoadInt64(&cs.bytesServed))
	cs.writeStat("serve.files", atomic.LoadInt64(&cs.filesServed))

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	cs.writeStat("memory.heap_alloc", int64(mem.HeapAlloc))
	cs.writeStat("memory.total_alloc", int64(mem.TotalAlloc))
	cs.writeStat("memory.heap_objects", int64(mem.HeapObjects))

	cs.writeStat("gc.cycles", int64(mem.NumGC))
	cs.writeStat("gc.pause_total", time.Duration(mem.PauseTotalNs).Milliseconds())
}

func (cs *Statsd) SendToStatsd(cipherDropServer *CipherDropServer) {
	if cs.statsdConnection == nil {
		return
	}

	cs.fillBufferWithStats(cipherDropServer)

	_, err := io.Copy(cs.statsdConnection, &cs.statsdBuffer)
	if err != nil {
		logServer.Error("writing to statsd", err)
	}
	cs.statsdBuffer.Reset()
}

func (cs *Statsd) Close() {
	if cs.statsdConnection != nil {
		_ = cs.statsdConnection.Close()
	}
	cs.statsdConnection = nil
}
