package browser

import (
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"webeval/internal/logging"
)

// Attach wires the interceptor into a page's request pipeline. Every
// request the page makes flows through Decide. The returned stop function
// detaches the router; call it before closing the page.
func (it *Interceptor) Attach(page *rod.Page) (func(), error) {
	router := page.HijackRequests()
	err := router.Add("*", "", func(h *rod.Hijack) {
		it.handle(h)
	})
	if err != nil {
		return nil, fmt.Errorf("add hijack route: %w", err)
	}
	go router.Run()
	return func() {
		if err := router.Stop(); err != nil {
			logging.Get(logging.CategoryIntercept).Warn("stop hijack router: %v", err)
		}
	}, nil
}

func (it *Interceptor) handle(h *rod.Hijack) {
	d := it.Decide(h.Request.URL().String(), h.Request.Type())
	switch d.Action {
	case ActionFulfil:
		h.Response.SetHeader("Content-Type", d.ContentType)
		h.Response.Payload().ResponseCode = d.Status
		h.Response.SetBody(d.Body)
	case ActionAbort:
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
	default:
		h.ContinueRequest(&proto.FetchContinueRequest{})
	}
}
