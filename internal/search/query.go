package search

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cenkalti/dcshare/internal/nmdcproto"
)

// Type is the closed set of search types from spec.md §4.7.
type Type int

const (
	TypeAny Type = iota + 1
	TypeAudio
	TypeCompressed
	TypeDocument
	TypeExecutable
	TypeImage
	TypeVideo
	TypeFolder
	TypeTTH
)

// extensionWhitelist maps a type to its space-separated suffix list.
var extensionWhitelist = map[Type]string{
	TypeAudio:      "mp3 mp2 wav au rm mid sm",
	TypeCompressed: "zip arj rar lzh gz z arc pak",
	TypeDocument:   "doc txt wri pdf ps tex",
	TypeExecutable: "pm exe bat com",
	TypeImage:      "gif jpg jpeg bmp pcx png wmf psd",
	TypeVideo:      "mpg mpeg avi asf mov",
}

// Query is the decoded search request.
type Query struct {
	SizeRestricted bool
	IsMax          bool
	Size           int64
	Type           Type
	Term           string
}

// Tuple builds the "<T|F>?<T|F>?<size>?<type>?<term>" wire form.
func (q Query) Tuple() string {
	flag := func(b bool) string {
		if b {
			return "T"
		}
		return "F"
	}
	term := nmdcproto.EscapeChat(q.Term)
	term = strings.ReplaceAll(term, " ", "$")
	return fmt.Sprintf("%s?%s?%d?%d?%s", flag(q.SizeRestricted), flag(q.IsMax), q.Size, q.Type, term)
}

// ParseTuple decodes a tuple previously produced by Tuple.
func ParseTuple(tuple string) (Query, bool) {
	m := nmdcprotoSearchTupleRegexp(tuple)
	if m == nil {
		return Query{}, false
	}
	size, _ := strconv.ParseInt(m[3], 10, 64)
	typ, _ := strconv.Atoi(m[4])
	term := m[5]
	if Type(typ) != TypeTTH {
		term = nmdcproto.UnescapeChat(strings.ReplaceAll(term, "$", " "))
	}
	return Query{
		SizeRestricted: m[1] == "T",
		IsMax:          m[2] == "T",
		Size:           size,
		Type:           Type(typ),
		Term:           term,
	}, true
}

func nmdcprotoSearchTupleRegexp(tuple string) []string {
	return nmdcproto.SearchTupleRegexp.FindStringSubmatch(tuple)
}

// Matches reports whether a candidate entry satisfies q, per spec.md
// §4.7's matching rules.
func (q Query) Matches(name string, isDir bool, size int64, tth string) bool {
	if q.Type == TypeTTH {
		return !isDir && tth == q.Term
	}
	if q.Type == TypeFolder && !isDir {
		return false
	}
	lower := strings.ToLower(name)
	for _, token := range strings.Fields(q.Term) {
		if !strings.Contains(lower, strings.ToLower(token)) {
			return false
		}
	}
	if isDir {
		return q.Type == TypeAny || q.Type == TypeFolder
	}
	if suffixes, ok := extensionWhitelist[q.Type]; ok {
		matched := false
		for _, ext := range strings.Fields(suffixes) {
			if strings.HasSuffix(lower, "."+ext) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if q.SizeRestricted {
		if q.IsMax && size > q.Size {
			return false
		}
		if !q.IsMax && size < q.Size {
			return false
		}
	}
	return true
}
