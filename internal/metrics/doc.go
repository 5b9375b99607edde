/*
Package metrics exposes vfile activity to prometheus.

A Collector satisfies both vfile.MetricsRecorder and pipeline.Observer, so one
instance can be handed to the Registry and the Channel:

	col, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Address:   ":9108",
		Path:      "/metrics",
		Namespace: "vfile",
	})
	reg := vfile.NewRegistry(vfile.WithMetrics(col))
	ch := pipeline.New(pipeline.DefaultConfig(), pipeline.WithObserver(col))
	_ = col.Start(ctx)

Series:

	vfile_operations_total{operation,status}
	vfile_operation_duration_seconds{operation}
	vfile_operation_size_bytes{operation}
	vfile_readahead_requests_total{result}
	vfile_readahead_size_bytes
	vfile_pipeline_queue_depth
	vfile_pipeline_requests_total{operation,status}
	vfile_pipeline_latency_seconds{operation}
	vfile_pipeline_bytes_total{operation}
	vfile_retries_total{component}
	vfile_circuit_state{breaker}

Operation names are the ones the registry and adapters report: open, stat,
read, write, plus s3_get, s3_head and s3_put from the S3 adapter.
*/
package metrics
