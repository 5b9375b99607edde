package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, c *Collector, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			return m
		}
	}
	return nil
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v", err)
		}
		if !c.Enabled() {
			t.Error("default collector should be enabled")
		}
		if c.config.Namespace != "vfile" || c.config.Path != "/metrics" {
			t.Errorf("unexpected defaults %+v", c.config)
		}
		if c.Registry() == nil {
			t.Error("registry is nil")
		}
	})

	t.Run("disabled collector is a no-op", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		c.RecordOperation("read", time.Millisecond, 10, true)
		c.RecordPipelineRequest("read", "done", time.Millisecond, 10)
		c.SetPipelineQueueDepth(3)
		c.RecordCacheHit()
		c.RecordRetry("s3")
		c.SetCircuitState("bucket", 1)
		if c.Registry() != nil {
			t.Error("disabled collector should have no registry")
		}
		if len(c.Operations()) != 0 {
			t.Error("disabled collector recorded operations")
		}
		if err := c.Start(context.Background()); err != nil {
			t.Errorf("Start() on disabled collector = %v", err)
		}
	})
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()
	c, err := NewCollector(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	c.RecordOperation("read", 10*time.Millisecond, 4096, true)
	c.RecordOperation("read", 30*time.Millisecond, 4096, true)
	c.RecordOperation("read", time.Millisecond, 0, false)
	c.RecordOperation("open", time.Millisecond, 0, true)

	ops := c.Operations()
	read := ops["read"]
	if read.Count != 3 || read.Errors != 1 || read.TotalSize != 8192 {
		t.Errorf("unexpected read totals %+v", read)
	}
	if read.AvgDuration != 41*time.Millisecond/3 {
		t.Errorf("AvgDuration = %v", read.AvgDuration)
	}

	m := findMetric(t, c, "vfile_operations_total", map[string]string{"operation": "read", "status": "success"})
	if m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("operations_total{read,success} = %v", m)
	}
	m = findMetric(t, c, "vfile_operations_total", map[string]string{"operation": "read", "status": "error"})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("operations_total{read,error} = %v", m)
	}
	m = findMetric(t, c, "vfile_operation_size_bytes", map[string]string{"operation": "read"})
	if m == nil || m.GetHistogram().GetSampleCount() != 2 {
		t.Errorf("zero-size operations must not be observed: %v", m)
	}

	c.ResetOperations()
	if len(c.Operations()) != 0 {
		t.Error("ResetOperations left totals behind")
	}
}

func TestPipelineObserver(t *testing.T) {
	t.Parallel()
	c, err := NewCollector(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	c.SetPipelineQueueDepth(7)
	c.RecordPipelineRequest("write", "done", 2*time.Millisecond, 100)
	c.RecordPipelineRequest("write", "done", 2*time.Millisecond, 50)
	c.RecordPipelineRequest("write", "cancelled", time.Millisecond, 0)

	if m := findMetric(t, c, "vfile_pipeline_queue_depth", nil); m == nil || m.GetGauge().GetValue() != 7 {
		t.Errorf("queue depth = %v", m)
	}
	if m := findMetric(t, c, "vfile_pipeline_requests_total", map[string]string{"operation": "write", "status": "done"}); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("requests{done} = %v", m)
	}
	if m := findMetric(t, c, "vfile_pipeline_bytes_total", map[string]string{"operation": "write"}); m == nil || m.GetCounter().GetValue() != 150 {
		t.Errorf("bytes = %v", m)
	}
	if m := findMetric(t, c, "vfile_pipeline_latency_seconds", map[string]string{"operation": "write"}); m == nil || m.GetHistogram().GetSampleCount() != 3 {
		t.Errorf("latency = %v", m)
	}
}

func TestCacheRetryCircuit(t *testing.T) {
	t.Parallel()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "vfile", Labels: map[string]string{"node": "a"}})
	if err != nil {
		t.Fatal(err)
	}

	c.RecordCacheHit()
	c.RecordCacheHit()
	c.RecordCacheMiss()
	c.UpdateCacheSize(1 << 20)
	c.RecordRetry("s3")
	c.SetCircuitState("bucket", 1)

	if m := findMetric(t, c, "vfile_readahead_requests_total", map[string]string{"result": "hit", "node": "a"}); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("hits = %v", m)
	}
	if m := findMetric(t, c, "vfile_readahead_size_bytes", nil); m == nil || m.GetGauge().GetValue() != 1<<20 {
		t.Errorf("cache size = %v", m)
	}
	if m := findMetric(t, c, "vfile_retries_total", map[string]string{"component": "s3"}); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("retries = %v", m)
	}
	if m := findMetric(t, c, "vfile_circuit_state", map[string]string{"breaker": "bucket"}); m == nil || m.GetGauge().GetValue() != 1 {
		t.Errorf("circuit = %v", m)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	c, err := NewCollector(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	c.RecordOperation("stat", time.Millisecond, 0, true)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `vfile_operations_total{operation="stat",status="success"} 1`) {
		t.Errorf("exposition missing operation counter:\n%s", body)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	c, err := NewCollector(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := c.Addr()
	if addr == "" {
		t.Fatal("no listen address")
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if c.Addr() != "" {
		t.Error("Addr should be empty after Stop")
	}
}
