package stream

import "regexp"

// prPattern matches pull request links. The trailing group rejects a URL
// that continues with another path segment or word character, so
// ".../pull/17/files" and ".../pull/17abc" do not count. RE2 has no
// lookahead, so the terminator is consumed and the URL is the submatch.
var prPattern = regexp.MustCompile(`(https?://[A-Za-z0-9.-]+(?::\d+)?/[\w.-]+/[\w.-]+/pull/\d+)(?:[^\w/]|$)`)

// FindPRURLs returns the PR links in text, deduplicated, in order of first
// appearance.
func FindPRURLs(text string) []string {
	urls, _ := findPRURLs(text, true)
	return urls
}

// findPRURLs scans text. When atEnd is false, a match that reaches the end
// of text is not accepted because more text may still extend it; the
// second return value reports whether such a tail match was held back.
func findPRURLs(text string, atEnd bool) ([]string, bool) {
	var urls []string
	held := false
	for _, m := range prPattern.FindAllStringSubmatchIndex(text, -1) {
		if !atEnd && m[1] == len(text) && m[3] == m[1] {
			held = true
			continue
		}
		urls = appendUnique(urls, text[m[2]:m[3]])
	}
	return urls, held
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		seen := false
		for _, existing := range list {
			if existing == v {
				seen = true
				break
			}
		}
		if !seen {
			list = append(list, v)
		}
	}
	return list
}

// ExtractPRURLs replays events in order and returns every PR link they
// mention, deduplicated by exact URL in order of first appearance. The
// most recent PR is the last element.
func ExtractPRURLs(events []Event) []string {
	p := NewProcessor("")
	for _, ev := range events {
		p.Apply(ev)
	}
	p.Flush()
	return p.Facts().PRURLs
}

// LatestPRURL returns the last element of urls, or "".
func LatestPRURL(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	return urls[len(urls)-1]
}
