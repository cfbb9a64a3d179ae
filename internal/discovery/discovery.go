// MIT License
//
// # Copyright (c) 2026 Kolin
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
package discovery

import (
	"errors"
	"time"

	"github.com/pterm/pterm"
)

// ErrNoLogDir is returned when no detector found a log directory
var ErrNoLogDir = errors.New("no access log directory found")

// Candidate is a directory holding the access log of the probed day
type Candidate struct {
	Detector string
	Dir      string
	File     string
}

type DirDetector interface {
	Name() string
	Detect(day time.Time) ([]Candidate, error)
}

type Engine struct {
	detectors []DirDetector
	logger    *pterm.Logger
}

// NewEngine creates a discovery engine running detectors in order
func NewEngine(logger *pterm.Logger, detectors ...DirDetector) *Engine {
	return &Engine{
		detectors: detectors,
		logger:    logger,
	}
}

// Run returns the first directory holding a parseable log file for day
func (e *Engine) Run(day time.Time) (Candidate, error) {
	e.logger.Debug("Starting log directory discovery...", e.logger.Args("detectors", len(e.detectors)))

	for _, detector := range e.detectors {
		candidates, err := detector.Detect(day)
		e.logger.Trace("Detector executed.", e.logger.Args("name", detector.Name(), "candidates", len(candidates)))
		if err != nil {
			e.logger.WithCaller().Warn("Detection failed", e.logger.Args("detector", detector.Name(), "error", err))
			continue
		}
		if len(candidates) > 0 {
			found := candidates[0]
			e.logger.Info("Discovered access log directory",
				e.logger.Args("detector", found.Detector, "dir", found.Dir, "file", found.File))
			return found, nil
		}
	}

	e.logger.Debug("Discovery completed without a match")
	return Candidate{}, ErrNoLogDir
}
