/*
Package vfile provides a backend-pluggable virtual file layer.

A Registry holds an ordered list of Adapters. Open picks the first adapter
whose Handles method claims the path, negotiates an access mode from the
OpenFlags and returns a *File bound to that adapter until it is closed.

	reg := vfile.NewRegistry(vfile.WithLogger(logger))
	reg.RegisterAdapter(local.New(afero.NewOsFs()))

	f, err := reg.Open(ctx, "/data/tile.bin", vfile.Read)
	if err != nil {
		return err
	}
	defer vfile.Close(&f)

	n, err := f.SeekRead(buf, 4096, vfile.SeekStart)

Transfers take (offset, whence) and report the bytes actually moved; a
short transfer is not an error. A read or write at (0, SeekCurrent) continues
from the cursor without repositioning the underlying stream.

Close releases the adapter stream exactly once. vfile.Close(&f) nils the
caller's reference first, so a handle cannot be used after it is released.
Asynchronous requests are issued through package pipeline, which leases the
File; Close waits for outstanding leases before releasing the stream.
*/
package vfile
