package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockResources drops requests of the configured resource types. The
// returned router must be stopped when the page is discarded.
func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	block := make(map[string]bool, len(types))
	for _, t := range types {
		block[resourceType(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if block[strings.ToLower(string(h.Request.Type()))] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

// resourceType maps config names ("images") to CDP types ("image").
func resourceType(name string) string {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "images":
		return "image"
	case "fonts":
		return "font"
	case "stylesheets":
		return "stylesheet"
	default:
		return n
	}
}
