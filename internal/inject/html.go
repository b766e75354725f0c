package inject

import (
	"bytes"
	"context"

	"golang.org/x/net/html"

	"github.com/RowanDark/Seidr/internal/scripts"
)

// checkEvery bounds how many tokens are scanned between deadline checks.
const checkEvery = 64

// insertBeforeClosingTag returns body with payload inserted immediately
// before the first closing tag with the given name. The scan uses an HTML
// tokenizer so closing tags that appear inside script strings or comments do
// not count. ok is false when the document has no such closing tag.
func insertBeforeClosingTag(ctx context.Context, body []byte, tag string, payload string) (out []byte, ok bool, err error) {
	z := html.NewTokenizer(bytes.NewReader(body))
	offset := 0
	for i := 0; ; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}
		}
		tt := z.Next()
		if tt == html.ErrorToken {
			return nil, false, nil
		}
		raw := z.Raw()
		if tt == html.EndTagToken {
			name, _ := z.TagName()
			if string(name) == tag {
				out = make([]byte, 0, len(body)+len(payload))
				out = append(out, body[:offset]...)
				out = append(out, payload...)
				out = append(out, body[offset:]...)
				return out, true, nil
			}
		}
		offset += len(raw)
	}
}

// NeedsBuffering reports whether a response body must be held in memory for
// injection: HTML documents when JS/CSS scripts matched (tag-anchored
// insertion needs the whole document), and any flow with a ResponseBody
// script. Everything else streams through in fixed-size chunks.
func NeedsBuffering(contentType string, matched []*scripts.InjectionScript) bool {
	htmlDoc := IsHTML(contentType)
	for _, script := range matched {
		switch script.InjectType {
		case scripts.InjectResponseBody:
			return true
		case scripts.InjectJavaScript, scripts.InjectCSS:
			if htmlDoc {
				return true
			}
		}
	}
	return false
}
