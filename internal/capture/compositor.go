package capture

import (
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"
)

const (
	overlaySize   = 150
	overlayMargin = 20
	overlayRing   = 3
)

// Compositor combines the primary screen source with an optional camera
// source into a single frame stream: screen full-bleed, camera as a circular
// picture-in-picture in the bottom-right corner.
//
// The redraw loop runs at the target frame rate until the compositor is
// closed or the primary source ends, at which point the output channel
// closes. A stalled source never blocks a redraw; the last good frame (or
// black) is drawn instead.
type Compositor struct {
	width     int
	height    int
	frameRate int

	screen VideoSource
	camera VideoSource // may be nil

	mu         sync.Mutex
	lastScreen *image.RGBA
	lastCamera *image.RGBA
	screenGone bool

	out    chan VideoFrame
	closed chan struct{}
	once   sync.Once
}

func NewCompositor(screen, camera VideoSource, width, height, frameRate int) *Compositor {
	c := &Compositor{
		width:     width,
		height:    height,
		frameRate: frameRate,
		screen:    screen,
		camera:    camera,
		out:       make(chan VideoFrame, 2),
		closed:    make(chan struct{}),
	}
	go c.track(screen, &c.lastScreen, true)
	if camera != nil {
		go c.track(camera, &c.lastCamera, false)
	}
	go c.drawLoop()
	return c
}

// track drains a source, keeping only the most recent frame.
func (c *Compositor) track(src VideoSource, last **image.RGBA, primary bool) {
	for frame := range src.Frames() {
		c.mu.Lock()
		*last = frame.Image
		c.mu.Unlock()
	}
	if primary {
		c.mu.Lock()
		c.screenGone = true
		c.mu.Unlock()
	}
}

// PrimaryEnded reports whether the screen source has stopped producing.
// Once it has, the output channel closes after the current tick.
func (c *Compositor) PrimaryEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screenGone
}

func (c *Compositor) drawLoop() {
	defer close(c.out)

	ticker := time.NewTicker(time.Second / time.Duration(c.frameRate))
	defer ticker.Stop()

	frameDur := time.Second / time.Duration(c.frameRate)
	var pts time.Duration

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		gone := c.screenGone
		c.mu.Unlock()
		if gone {
			// Screen share ended. Closing out ends the encoder feed, so the
			// stream finishes instead of recording black frames.
			return
		}

		frame := c.compose()
		select {
		case c.out <- VideoFrame{Image: frame, PTS: pts}:
		case <-c.closed:
			return
		default:
			// Encoder is behind; skip rather than stall the loop.
		}
		pts += frameDur
	}
}

func (c *Compositor) compose() *image.RGBA {
	c.mu.Lock()
	screen := c.lastScreen
	camera := c.lastCamera
	c.mu.Unlock()

	dst := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)

	if screen != nil {
		draw.Draw(dst, dst.Bounds(), screen, screen.Bounds().Min, draw.Src)
	}

	if camera != nil && c.camera != nil {
		c.drawOverlay(dst, camera)
	}
	return dst
}

// drawOverlay draws the camera as a circle with a white ring, bottom-right.
func (c *Compositor) drawOverlay(dst *image.RGBA, camera *image.RGBA) {
	scaled := scaleNearest(camera, overlaySize, overlaySize)
	cx := c.width - overlayMargin - overlaySize/2
	cy := c.height - overlayMargin - overlaySize/2

	ringMask := &circleMask{cx: cx, cy: cy, r: overlaySize/2 + overlayRing}
	draw.DrawMask(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, ringMask, image.Point{}, draw.Over)

	clipMask := &circleMask{cx: cx, cy: cy, r: overlaySize / 2}
	origin := image.Pt(cx-overlaySize/2, cy-overlaySize/2)
	draw.DrawMask(dst, image.Rect(origin.X, origin.Y, origin.X+overlaySize, origin.Y+overlaySize),
		scaled, image.Point{}, clipMask, origin, draw.Over)
}

func (c *Compositor) Frames() <-chan VideoFrame {
	return c.out
}

func (c *Compositor) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.screen.Close()
		if c.camera != nil {
			c.camera.Close()
		}
	})
	return nil
}

// circleMask is an alpha mask that is opaque inside the circle.
type circleMask struct {
	cx, cy, r int
}

func (m *circleMask) ColorModel() color.Model {
	return color.AlphaModel
}

func (m *circleMask) Bounds() image.Rectangle {
	return image.Rect(m.cx-m.r, m.cy-m.r, m.cx+m.r, m.cy+m.r)
}

func (m *circleMask) At(x, y int) color.Color {
	dx, dy := x-m.cx, y-m.cy
	if dx*dx+dy*dy <= m.r*m.r {
		return color.Alpha{A: 255}
	}
	return color.Alpha{}
}

// scaleNearest is a nearest-neighbor resize, good enough for the small
// camera bubble.
func scaleNearest(src *image.RGBA, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	sb := src.Bounds()
	for y := 0; y < height; y++ {
		sy := sb.Min.Y + y*sb.Dy()/height
		for x := 0; x < width; x++ {
			sx := sb.Min.X + x*sb.Dx()/width
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}
