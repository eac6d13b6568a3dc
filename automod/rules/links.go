package rules

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/purell"
)

// based on: https://stackoverflow.com/a/48769624, with no trailing period allowed
var urlRegex = regexp.MustCompile(`(?:(?:https?|ftp):\/\/)?[\w/\-?=%.]+\.[\w/\-&?=%.]*[\w/\-&?=%]+`)

func ExtractTextURLs(raw string) []string {
	return urlRegex.FindAllString(raw, -1)
}

// Extracts the normalized host of every URL-like string in the text. Candidates which don't resolve to a plausible hostname (eg, "e.g" or "v1.2") are skipped.
func ExtractLinkHosts(raw string) []string {
	var out []string
	for _, u := range ExtractTextURLs(raw) {
		host := NormalizeHost(u)
		if host == "" {
			continue
		}
		out = append(out, host)
	}
	return out
}

// Reduces a URL, or a bare domain, to a lower-case hostname: scheme, userinfo, port, path and a leading "www." are stripped. Returns an empty string if the input has no plausible host.
func NormalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	explicit := strings.Contains(raw, "://")
	if !explicit {
		raw = "http://" + raw
	}
	clean, err := purell.NormalizeURLString(raw, purell.FlagsSafe|purell.FlagRemoveWWW)
	if err != nil {
		return ""
	}
	u, err := url.Parse(clean)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	host = strings.TrimPrefix(host, "www.")
	if !plausibleHost(host, explicit) {
		return ""
	}
	return host
}

// a URL with an explicit scheme only needs a well-formed host (IP literals included); bare candidates must end in an alphabetic TLD
func plausibleHost(host string, explicit bool) bool {
	if host == "" {
		return false
	}
	labels := strings.Split(host, ".")
	for _, l := range labels {
		if l == "" {
			return false
		}
	}
	if explicit {
		return true
	}
	if len(labels) < 2 {
		return false
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 {
		return false
	}
	for _, r := range tld {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
