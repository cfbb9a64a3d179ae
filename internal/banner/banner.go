// MIT License
//
// Copyright (c) 2026 Kolin
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
//
package banner

import (
	"fmt"

	"accesswatch/internal/version"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
)

// Settings is the runtime summary shown under the logo
type Settings struct {
	LogDir     string
	WindowMode string
	Window     string
	ReportDir  string
	Mail       bool
	APIAddr    string // empty when the API is off
	Watch      bool
}

// Items returns the summary as bullet list items
func (s Settings) Items() []pterm.BulletListItem {
	api := "disabled"
	if s.APIAddr != "" {
		api = "http://" + s.APIAddr + "/api"
	}
	mail := "disabled (reports kept on disk)"
	if s.Mail {
		mail = "enabled"
	}
	trigger := "timer"
	if s.Watch {
		trigger = "timer + directory watch"
	}

	return []pterm.BulletListItem{
		{Level: 0, Text: "Logs: " + s.LogDir},
		{Level: 1, Text: fmt.Sprintf("Window: %s (%s)", s.Window, s.WindowMode)},
		{Level: 1, Text: "Cycles: " + trigger},
		{Level: 0, Text: "Reports: " + s.ReportDir},
		{Level: 1, Text: "Mail: " + mail},
		{Level: 0, Text: "API: " + api},
	}
}

// Print writes the startup banner and the runtime summary
func Print(s Settings) {
	logo, _ := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithRGB("Access", pterm.NewRGB(198, 40, 40)),
		putils.LettersFromStringWithRGB("Watch", pterm.NewRGB(0, 0, 0))).
		Srender()
	pterm.DefaultCenter.Print(logo)

	pterm.DefaultCenter.Print(
		pterm.DefaultHeader.
			WithFullWidth().
			WithBackgroundStyle(pterm.NewStyle(pterm.BgLightRed)).
			WithMargin(5).
			Sprint(pterm.White("AccessWatch " + version.Version)),
	)

	pterm.Info.Println("Flags DoS-like sources, 404 spikes and authorization failures.")
	if err := pterm.DefaultBulletList.WithItems(s.Items()).Render(); err != nil {
		pterm.Warning.Println("Could not render settings: " + err.Error())
	}
}
