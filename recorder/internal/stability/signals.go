// Package stability decides when a page has finished reacting to a click
// and is worth a screenshot.
//
// The detector combines three busy signals (document loading, pending
// images, visible loaders or running animations), a content floor, and a
// stream of filtered DOM mutations. It always resolves: at worst after the
// hard ceiling plus one grace delay.
package stability

import "context"

// ContentSelector matches content-bearing elements counted against
// Config.MinContent.
const ContentSelector = "h1, h2, h3, p, div > img, table, ul, ol"

// DefaultLoaderSelectors are the loading/spinner/skeleton selectors probed
// for visible busy indicators.
var DefaultLoaderSelectors = []string{
	".loading",
	".spinner",
	".ant-spin",
	".el-loading",
	`[class*="loading"]:not([class*="loaded"])`,
	`[class*="spinner"]`,
	`[class*="skeleton"]`,
	".progress",
	".loader",
}

// Signals is one snapshot of the page's busy state.
type Signals struct {
	ReadyState        string `json:"readyState"`
	PendingImages     int    `json:"pendingImages"`
	ActiveLoaders     int    `json:"activeLoaders"`
	RunningAnimations int    `json:"runningAnimations"`
	ContentElements   int    `json:"contentElements"`
}

// Loading reports whether the document itself has not finished loading.
func (s Signals) Loading() bool { return s.ReadyState != "complete" }

// Busy reports whether any busy signal is set.
func (s Signals) Busy() bool {
	return s.Loading() || s.PendingImages > 0 || s.ActiveLoaders > 0 || s.RunningAnimations > 0
}

// Sufficient reports whether the page renders more than min content
// elements.
func (s Signals) Sufficient(min int) bool { return s.ContentElements > min }

// Probe reads the current Signals of a page. An error means the page could
// not be inspected and is treated as "not stable".
type Probe interface {
	Signals(ctx context.Context) (Signals, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (Signals, error)

func (f ProbeFunc) Signals(ctx context.Context) (Signals, error) { return f(ctx) }
