package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/cyclopcam/snapbus/pkg/shell"
	"github.com/cyclopcam/snapbus/server/util"
)

// Source is a physical camera
type Source int

const (
	SourceBoardCamera Source = iota // Raspberry Pi camera module, via raspistill
	SourceUSBCamera                 // V4L2 camera, via fswebcam for snapshots or a capture device for streams
	SourceIPCamera                  // Network camera that serves JPEG snapshots over HTTP
)

func (s Source) String() string {
	switch s {
	case SourceBoardCamera:
		return "board camera"
	case SourceUSBCamera:
		return "usb camera"
	case SourceIPCamera:
		return "ip camera"
	}
	return "unknown camera"
}

// Action is what a command asks a source to do
type Action int

const (
	ActionSnapshot Action = iota
	ActionStreamStart
	ActionStreamStop
)

// Command is a parsed camera command token
type Command struct {
	Source Source
	Action Action
}

// Commands maps the tokens received on the camera topic to commands
var Commands = map[string]Command{
	"snapshot_picam":          {SourceBoardCamera, ActionSnapshot},
	"snapshot_boardcam":       {SourceUSBCamera, ActionSnapshot},
	"snapshot_ipcam":          {SourceIPCamera, ActionSnapshot},
	"stream_boardcam_start":   {SourceUSBCamera, ActionStreamStart},
	"stream_boardcam_stop":    {SourceUSBCamera, ActionStreamStop},
	"stream_ipcam_start":      {SourceIPCamera, ActionStreamStart},
	"stream_ipcam_stop":       {SourceIPCamera, ActionStreamStop},
	"stream_nest_ipcam_start": {SourceIPCamera, ActionStreamStart},
	"stream_nest_ipcam_stop":  {SourceIPCamera, ActionStreamStop},
}

// ParseCommand looks up a command token
func ParseCommand(token string) (Command, bool) {
	c, ok := Commands[token]
	return c, ok
}

// Capturer produces one encoded image
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// CommandCapture runs an external program that writes an image file.
// Every capture writes to its own temporary file.
type CommandCapture struct {
	Program string
	Args    func(outputPath string) []string
	Temp    *util.TempFiles
}

func (c *CommandCapture) Capture(ctx context.Context) ([]byte, error) {
	tmp := c.Temp.Reserve(".jpg")
	defer tmp.Release()
	if _, err := shell.Run(ctx, c.Program, c.Args(tmp.Path)...); err != nil {
		return nil, err
	}
	img, err := os.ReadFile(tmp.Path)
	if err != nil {
		return nil, fmt.Errorf("%v produced no image: %w", c.Program, err)
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("%v produced an empty image", c.Program)
	}
	return img, nil
}

// NewBoardCapture captures with raspistill, flipped both ways to match the usual camera mounting
func NewBoardCapture(program string, width, height int, temp *util.TempFiles) *CommandCapture {
	return &CommandCapture{
		Program: program,
		Temp:    temp,
		Args: func(outputPath string) []string {
			return []string{"-vf", "-hf", "-w", strconv.Itoa(width), "-h", strconv.Itoa(height), "-o", outputPath}
		},
	}
}

// NewUSBCapture captures with fswebcam, skipping half a second of frames so that exposure can settle
func NewUSBCapture(program string, width, height int, temp *util.TempFiles) *CommandCapture {
	return &CommandCapture{
		Program: program,
		Temp:    temp,
		Args: func(outputPath string) []string {
			return []string{"-r", fmt.Sprintf("%vx%v", width, height), "--no-banner", "-D", "0.5", outputPath}
		},
	}
}

// HTTPCapture fetches a snapshot from an IP camera
type HTTPCapture struct {
	URI    string
	Client *http.Client
}

// Larger bodies are not snapshots
const maxSnapshotBytes = 32 * 1024 * 1024

func (c *HTTPCapture) Capture(ctx context.Context) ([]byte, error) {
	if c.URI == "" {
		return nil, fmt.Errorf("No IP camera snapshot URI is configured")
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.URI, nil)
	if err != nil {
		return nil, err
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("IP camera returned %v", resp.Status)
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("Failed to read IP camera snapshot: %w", err)
	}
	return img, nil
}

// CaptureFunc adapts a function to the Capturer interface
type CaptureFunc func(ctx context.Context) ([]byte, error)

func (f CaptureFunc) Capture(ctx context.Context) ([]byte, error) {
	return f(ctx)
}
