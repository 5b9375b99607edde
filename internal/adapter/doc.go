/*
Package adapter assembles a running vfile stack from a config.Configuration.

New builds, in order:

  - the structured logger described by the logging section
  - the metrics collector
  - a vfile.Registry with the enabled storage adapters (local, raw, s3)
  - the pipelined request channel

Start serves metrics and launches the pipeline workers. Stop drains the
pipeline, closes the adapters and shuts the metrics endpoint down, combining
the errors of every step.

	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(ctx)

	data, err := vfile.Load(ctx, a.Registry(), "s3://bucket/key")
*/
package adapter
