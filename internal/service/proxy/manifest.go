package proxy

import (
	"net/url"
	"regexp"
	"strings"
)

// IsManifestPath reports whether a URL names an HLS playlist by extension.
// DASH and mislabeled HLS manifests are caught later by content type.
func IsManifestPath(rawURL string) bool {
	path := rawURL
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.ToLower(path)
	return strings.HasSuffix(path, ".m3u8") || strings.HasSuffix(path, ".m3u")
}

var hlsURIAttrRe = regexp.MustCompile(`URI="([^"]+)"`)

// RewriteHLS routes every segment and URI attribute of an HLS playlist back
// through the proxy. proxyBase is the absolute proxy prefix ending in
// "?url="; original URLs are percent-encoded into it.
func RewriteHLS(body, baseURL, proxyBase string) string {
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			out = append(out, line)
			continue
		}
		if strings.HasPrefix(line, "#") {
			if strings.Contains(line, `URI="`) {
				line = hlsURIAttrRe.ReplaceAllStringFunc(line, func(match string) string {
					uri := hlsURIAttrRe.FindStringSubmatch(match)[1]
					return `URI="` + proxyBase + url.QueryEscape(resolveRef(baseURL, uri)) + `"`
				})
			}
			out = append(out, line)
			continue
		}
		out = append(out, proxyBase+url.QueryEscape(resolveRef(baseURL, line)))
	}

	return strings.Join(out, "\n")
}

var (
	dashBaseURLRe = regexp.MustCompile(`<BaseURL>([^<]+)</BaseURL>`)
	dashAttrRe    = regexp.MustCompile(`(media|initialization|sourceURL)="([^"]+)"`)
)

// RewriteDASH routes BaseURL elements and segment template attributes of a
// DASH MPD through the proxy. '$' is unescaped afterwards so template
// placeholders like $Number$ still expand client-side.
func RewriteDASH(body, baseURL, proxyBase string) string {
	body = dashBaseURLRe.ReplaceAllStringFunc(body, func(match string) string {
		ref := dashBaseURLRe.FindStringSubmatch(match)[1]
		return "<BaseURL>" + proxyBase + escapeDASHRef(resolveRef(baseURL, ref)) + "</BaseURL>"
	})
	body = dashAttrRe.ReplaceAllStringFunc(body, func(match string) string {
		groups := dashAttrRe.FindStringSubmatch(match)
		return groups[1] + `="` + proxyBase + escapeDASHRef(resolveRef(baseURL, groups[2])) + `"`
	})
	return body
}

func escapeDASHRef(u string) string {
	return strings.ReplaceAll(url.QueryEscape(u), "%24", "$")
}

func isDASHBody(body string) bool {
	return strings.Contains(body, "<MPD")
}

func resolveRef(baseURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}
