package sni

import (
	"io"
)

// PeekReader buffers bytes from an underlying reader while hunting for the
// SNI, up to MaxClientHello, then lets the caller forward the exact prefix
// it consumed back onto the stream — the relay must be byte-exact.
type PeekReader struct {
	r   io.Reader
	buf []byte
}

// NewPeekReader wraps r. Reads go straight to r, so every byte taken from
// it is in the returned prefix.
func NewPeekReader(r io.Reader) *PeekReader {
	return &PeekReader{r: r}
}

// Sniff reads from the underlying reader, growing its internal buffer,
// until ExtractSNI finds a hostname, returns a structural ParseErr, or the
// buffer reaches MaxClientHello. It returns the hostname (possibly empty)
// and the exact bytes consumed so far, which the caller must replay onto
// the forwarded stream before anything else.
func (p *PeekReader) Sniff() (host string, prefix []byte, err error) {
	chunk := make([]byte, 4096)
	for {
		if len(p.buf) > 0 {
			h, ok, perr := ExtractSNI(p.buf)
			if perr != nil {
				return "", p.buf, perr
			}
			if ok {
				return h, p.buf, nil
			}
		}
		if len(p.buf) >= MaxClientHello {
			return "", p.buf, nil
		}

		n, rerr := p.r.Read(chunk)
		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return "", p.buf, nil
			}
			return "", p.buf, rerr
		}
	}
}

// Prefix returns everything buffered so far without reading more.
func (p *PeekReader) Prefix() []byte { return p.buf }
