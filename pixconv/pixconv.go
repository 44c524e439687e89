// Package pixconv converts between the packed RGB layouts delivered by
// capture subsystems and the planar YUV layouts codecs consume, and back
// again for display. RGB→YUV uses BT.709 coefficients, full-range RGB in,
// limited-range YUV out; the inverse path undoes the same mapping.
package pixconv

import (
	"fmt"

	"github.com/vidflow/vidflow/media"
)

// Converter performs repeated conversions at a fixed geometry, reusing
// its output buffer. Stages rebuild the converter whenever the incoming
// dimensions or source format change.
type Converter struct {
	width  int
	height int
	src    media.PixelFormat
	dst    media.PixelFormat
	out    []byte
}

// New creates a converter for the given geometry and format pair. The
// supported pairs are the ones the pipeline needs: RGBA/BGRA→NV12 for
// capture, NV12/I420→RGBA for preview, and I420↔NV12 chroma repacking
// for the encoder's input format.
func New(width, height int, src, dst media.PixelFormat) (*Converter, error) {
	switch {
	case (src == media.PixelFormatRGBA || src == media.PixelFormatBGRA) && dst == media.PixelFormatNV12:
	case (src == media.PixelFormatNV12 || src == media.PixelFormatI420) && dst == media.PixelFormatRGBA:
	case src == media.PixelFormatI420 && dst == media.PixelFormatNV12:
	case src == media.PixelFormatNV12 && dst == media.PixelFormatI420:
	default:
		return nil, fmt.Errorf("pixconv: unsupported conversion %s -> %s", src, dst)
	}
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("pixconv: dimensions must be positive and even, got %dx%d", width, height)
	}
	n, err := dst.FrameSize(width, height)
	if err != nil {
		return nil, err
	}
	return &Converter{
		width:  width,
		height: height,
		src:    src,
		dst:    dst,
		out:    make([]byte, n),
	}, nil
}

// Matches reports whether the converter can be reused for a frame with
// the given geometry and source format.
func (c *Converter) Matches(width, height int, src media.PixelFormat) bool {
	return c != nil && c.width == width && c.height == height && c.src == src
}

// Convert transforms src (with the given row stride in bytes; 0 means
// tightly packed) into the converter's output buffer and returns it.
// The buffer is owned by the converter and valid until the next call.
func (c *Converter) Convert(src []byte, stride int) ([]byte, error) {
	if stride == 0 {
		stride = c.defaultStride()
	}
	if need := stride * c.height; c.dst == media.PixelFormatNV12 && len(src) < need {
		return nil, fmt.Errorf("pixconv: short input: got %d bytes, need %d", len(src), need)
	}
	switch {
	case c.src == media.PixelFormatI420 && c.dst == media.PixelFormatNV12:
		if err := c.checkPlanar(src); err != nil {
			return nil, err
		}
		c.repackChroma(src, true)
	case c.src == media.PixelFormatNV12 && c.dst == media.PixelFormatI420:
		if err := c.checkPlanar(src); err != nil {
			return nil, err
		}
		c.repackChroma(src, false)
	case c.dst == media.PixelFormatNV12:
		c.packedToNV12(src, stride, c.src == media.PixelFormatBGRA)
	case c.src == media.PixelFormatNV12:
		if err := c.checkPlanar(src); err != nil {
			return nil, err
		}
		c.nv12ToRGBA(src)
	case c.src == media.PixelFormatI420:
		if err := c.checkPlanar(src); err != nil {
			return nil, err
		}
		c.i420ToRGBA(src)
	}
	return c.out, nil
}

func (c *Converter) defaultStride() int {
	switch c.src {
	case media.PixelFormatRGBA, media.PixelFormatBGRA:
		return c.width * 4
	default:
		return c.width
	}
}

func (c *Converter) checkPlanar(src []byte) error {
	need, _ := c.src.FrameSize(c.width, c.height)
	if len(src) < need {
		return fmt.Errorf("pixconv: short input: got %d bytes, need %d", len(src), need)
	}
	return nil
}

// BT.709 RGB→YCbCr, full-range in, limited-range out, 8.8 fixed point.
func rgbToYUV709(r, g, b int32) (y, cb, cr uint8) {
	yy := (47*r+157*g+16*b+128)>>8 + 16
	cbv := (-26*r-87*g+112*b+128)>>8 + 128
	crv := (112*r-102*g-10*b+128)>>8 + 128
	return clamp8(yy), clamp8(cbv), clamp8(crv)
}

// BT.709 YCbCr→RGB, limited-range in, full-range out, 8.8 fixed point.
func yuvToRGB709(y, cb, cr int32) (r, g, b uint8) {
	y1 := 298 * (y - 16)
	d := cb - 128
	e := cr - 128
	r = clamp8((y1 + 459*e + 128) >> 8)
	g = clamp8((y1 - 55*d - 136*e + 128) >> 8)
	b = clamp8((y1 + 541*d + 128) >> 8)
	return
}

func clamp8(v int32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// packedToNV12 converts packed 32-bit RGB rows into the Y plane plus
// interleaved CbCr plane. Chroma is averaged over each 2x2 block.
func (c *Converter) packedToNV12(src []byte, stride int, bgr bool) {
	w, h := c.width, c.height
	yPlane := c.out[:w*h]
	uvPlane := c.out[w*h:]

	for row := 0; row < h; row++ {
		in := src[row*stride:]
		out := yPlane[row*w:]
		for col := 0; col < w; col++ {
			r, g, b := pixelAt(in, col, bgr)
			y, _, _ := rgbToYUV709(r, g, b)
			out[col] = y
		}
	}

	for row := 0; row < h; row += 2 {
		top := src[row*stride:]
		bot := src[(row+1)*stride:]
		out := uvPlane[(row/2)*w:]
		for col := 0; col < w; col += 2 {
			r0, g0, b0 := pixelAt(top, col, bgr)
			r1, g1, b1 := pixelAt(top, col+1, bgr)
			r2, g2, b2 := pixelAt(bot, col, bgr)
			r3, g3, b3 := pixelAt(bot, col+1, bgr)
			r := (r0 + r1 + r2 + r3) / 4
			g := (g0 + g1 + g2 + g3) / 4
			b := (b0 + b1 + b2 + b3) / 4
			_, cb, cr := rgbToYUV709(r, g, b)
			out[col] = cb
			out[col+1] = cr
		}
	}
}

func pixelAt(row []byte, col int, bgr bool) (r, g, b int32) {
	p := row[col*4:]
	if bgr {
		return int32(p[2]), int32(p[1]), int32(p[0])
	}
	return int32(p[0]), int32(p[1]), int32(p[2])
}

// repackChroma converts between planar and interleaved 4:2:0 chroma
// layouts. No color math is involved.
func (c *Converter) repackChroma(src []byte, interleave bool) {
	w, h := c.width, c.height
	copy(c.out[:w*h], src[:w*h])
	n := w * h / 4
	if interleave {
		u := src[w*h : w*h+n]
		v := src[w*h+n:]
		uv := c.out[w*h:]
		for i := 0; i < n; i++ {
			uv[i*2] = u[i]
			uv[i*2+1] = v[i]
		}
		return
	}
	uv := src[w*h:]
	u := c.out[w*h : w*h+n]
	v := c.out[w*h+n:]
	for i := 0; i < n; i++ {
		u[i] = uv[i*2]
		v[i] = uv[i*2+1]
	}
}

func (c *Converter) nv12ToRGBA(src []byte) {
	w, h := c.width, c.height
	yPlane := src[:w*h]
	uvPlane := src[w*h:]

	for row := 0; row < h; row++ {
		uv := uvPlane[(row/2)*w:]
		for col := 0; col < w; col++ {
			y := int32(yPlane[row*w+col])
			cb := int32(uv[(col/2)*2])
			cr := int32(uv[(col/2)*2+1])
			r, g, b := yuvToRGB709(y, cb, cr)
			o := (row*w + col) * 4
			c.out[o] = r
			c.out[o+1] = g
			c.out[o+2] = b
			c.out[o+3] = 0xff
		}
	}
}

func (c *Converter) i420ToRGBA(src []byte) {
	w, h := c.width, c.height
	yPlane := src[:w*h]
	uPlane := src[w*h : w*h+w*h/4]
	vPlane := src[w*h+w*h/4:]

	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			y := int32(yPlane[row*w+col])
			ci := (row/2)*(w/2) + col/2
			cb := int32(uPlane[ci])
			cr := int32(vPlane[ci])
			r, g, b := yuvToRGB709(y, cb, cr)
			o := (row*w + col) * 4
			c.out[o] = r
			c.out[o+1] = g
			c.out[o+2] = b
			c.out[o+3] = 0xff
		}
	}
}
