package device

// Context is the per-stream handle instruction types use to reach the
// runtime. One Context exists per stream; it is never shared between streams.
type Context struct {
	rt     *Runtime
	device int
	stream string
}

func NewContext(rt *Runtime, device int, stream string) *Context {
	return &Context{rt: rt, device: device, stream: stream}
}

func (c *Context) Runtime() *Runtime { return c.rt }
func (c *Context) Device() int       { return c.device }
func (c *Context) Stream() string    { return c.stream }

// SyncAutoMemcpy copies n bytes between any two memory cases and returns once
// the bytes are visible at dst.
func (c *Context) SyncAutoMemcpy(dst, src *Region, n int) error {
	return c.rt.Memcpy(dst, src, n)
}
