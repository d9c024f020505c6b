package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/dr-api/internal/analysis"
	"github.com/Brownie44l1/dr-api/internal/screening"
)

const help = `Commands:
  <path>   analyze an image; replaces any analysis still running
  :state   show the current analysis
  :reset   clear the current image and result
  :quit    exit`

type console struct {
	ctrl        *analysis.Controller
	constraints screening.Constraints
	out         io.Writer
}

func newConsole(ctrl *analysis.Controller, constraints screening.Constraints, out io.Writer) *console {
	return &console{ctrl: ctrl, constraints: constraints, out: out}
}

// handle runs one input line and reports whether the user asked to quit.
func (c *console) handle(line string) bool {
	switch line {
	case ":quit", ":q", "exit":
		return true
	case ":help":
		fmt.Fprintln(c.out, help)
	case ":state":
		fmt.Fprint(c.out, describe(c.ctrl.State()))
	case ":reset":
		c.ctrl.Reset()
		fmt.Fprint(c.out, describe(c.ctrl.State()))
	default:
		c.submit(line)
	}
	return false
}

func (c *console) submit(path string) {
	img, err := loadImage(path, c.constraints)
	if err != nil {
		fmt.Fprintf(c.out, "Cannot use %s: %v\n", path, err)
		return
	}

	id, err := c.ctrl.Submit(img)
	if err != nil {
		fmt.Fprintf(c.out, "Cannot analyze now: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Analyzing %s...\n", img.Filename)
	go c.report(id)
}

// report prints the outcome of request id unless a newer submission or a
// reset replaced it first.
func (c *console) report(id string) {
	state, err := c.ctrl.Wait(context.Background(), id)
	if err != nil {
		return
	}
	fmt.Fprint(c.out, describe(state))
}

func (c *console) announceModel() {
	if c.ctrl.State().Kind != analysis.AwaitingModel {
		return
	}
	fmt.Fprintln(c.out, "Loading model...")
	if err := c.ctrl.WaitReady(context.Background()); err != nil {
		if !errors.Is(err, analysis.ErrClosed) {
			fmt.Fprintf(c.out, "Model unavailable: %v\n", err)
		}
		return
	}
	fmt.Fprintln(c.out, "Model ready.")
}

// loadImage reads path and guesses its MIME type from the extension, falling
// back to sniffing the content.
func loadImage(path string, constraints screening.Constraints) (screening.SourceImage, error) {
	info, err := os.Stat(path)
	if err != nil {
		return screening.SourceImage{}, err
	}
	if info.IsDir() {
		return screening.SourceImage{}, fmt.Errorf("%s is a directory", path)
	}
	if constraints.MaxSize > 0 && info.Size() > constraints.MaxSize {
		return screening.SourceImage{}, fmt.Errorf("%d bytes over %d byte limit: %w", info.Size(), constraints.MaxSize, screening.ErrSizeLimit)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return screening.SourceImage{}, err
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return screening.SourceImage{
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Data:        data,
	}, nil
}

func describe(state analysis.State) string {
	var b strings.Builder

	switch state.Kind {
	case analysis.Idle:
		b.WriteString("No image selected.\n")
	case analysis.AwaitingModel:
		b.WriteString("Model is still loading.\n")
	case analysis.Analyzing:
		fmt.Fprintf(&b, "Analyzing %s...\n", state.Filename)
	case analysis.Displaying:
		result := state.Result
		if result.Label == screening.DRDetected {
			b.WriteString("Result: Diabetic Retinopathy detected\n")
		} else {
			b.WriteString("Result: No Diabetic Retinopathy detected\n")
		}
		fmt.Fprintf(&b, "Probability of DR: %.2f%%\n", result.ProbabilityOfDR*100)
		fmt.Fprintf(&b, "%s\n", result.Interpretation())
		fmt.Fprintf(&b, "Note: %s\n", screening.Disclaimer)
	case analysis.Failed:
		fmt.Fprintf(&b, "Analysis failed: %v\n", state.Err)
		if screening.IsInputError(state.Err) {
			b.WriteString("Please select a JPEG or PNG image under the size limit.\n")
		}
	}
	return b.String()
}
