package netio

import "fmt"

// circular is the fixed-size staging buffer between raw socket reads and
// packet framing. Bytes go in as they arrive and come out in exact framing
// quantities.
type circular struct {
	buf    []byte
	start  int
	length int
}

func newCircular(size int) *circular {
	return &circular{buf: make([]byte, size)}
}

func (c *circular) Len() int {
	return c.length
}

func (c *circular) Write(p []byte) error {
	if c.length+len(p) > len(c.buf) {
		return fmt.Errorf("staging buffer full (have %d, writing %d, cap %d)", c.length, len(p), len(c.buf))
	}
	for i, b := range p {
		c.buf[(c.start+c.length+i)%len(c.buf)] = b
	}
	c.length += len(p)
	return nil
}

func (c *circular) Read(n int) ([]byte, error) {
	if n > c.length {
		return nil, fmt.Errorf("staging buffer short (have %d, reading %d)", c.length, n)
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = c.buf[(c.start+i)%len(c.buf)]
	}
	c.start = (c.start + n) % len(c.buf)
	c.length -= n
	return out, nil
}
