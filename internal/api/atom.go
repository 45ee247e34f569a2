package api

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pbaille/classifier/internal/content"
	"github.com/pbaille/classifier/internal/domain"
)

const atomNS = "http://www.w3.org/2005/Atom"

var (
	errBadXML   = errors.New("badly formatted XML")
	errBadEntry = errors.New("bad entry")
)

type atomLink struct {
	Rel  string `xml:"rel,attr,omitempty"`
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr,omitempty"`
}

// atomContent keeps both the decoded text and the raw markup; xhtml content
// is only available raw.
type atomContent struct {
	Type  string `xml:"type,attr,omitempty"`
	Text  string `xml:",chardata"`
	Inner string `xml:",innerxml"`
}

func (c *atomContent) raw() (string, string) {
	if c == nil {
		return "", ""
	}
	typ := strings.ToLower(strings.TrimSpace(c.Type))
	if typ == "" {
		typ = content.TypeText
	}
	if typ == content.TypeXHTML {
		return strings.TrimSpace(c.Inner), typ
	}
	return c.Text, typ
}

type atomEntry struct {
	XMLName xml.Name     `xml:"http://www.w3.org/2005/Atom entry"`
	ID      string       `xml:"id"`
	Title   string       `xml:"title"`
	Updated string       `xml:"updated,omitempty"`
	Links   []atomLink   `xml:"link"`
	Content *atomContent `xml:"content,omitempty"`
	Summary *atomContent `xml:"summary,omitempty"`
}

// link returns the href of the first link with rel; links without rel are
// alternate links.
func (a *atomEntry) link(rel string) string {
	for _, l := range a.Links {
		r := l.Rel
		if r == "" {
			r = "alternate"
		}
		if r == rel {
			return l.Href
		}
	}
	return ""
}

// parseAtomEntry decodes an Atom entry document. Malformed XML yields
// errBadXML, a well-formed document of another kind yields errBadEntry.
func parseAtomEntry(body []byte) (*atomEntry, error) {
	var doc atomEntry
	if err := xml.Unmarshal(body, &doc); err != nil {
		var syntax *xml.SyntaxError
		if errors.As(err, &syntax) || len(strings.TrimSpace(string(body))) == 0 {
			return nil, fmt.Errorf("%w: %v", errBadXML, err)
		}
		return nil, fmt.Errorf("%w: %v", errBadEntry, err)
	}
	return &doc, nil
}

// parseURNID extracts the numeric id carried by the fragment of a URN such
// as urn:peerworks.org:feeds#1337.
func parseURNID(id string) (int64, error) {
	u, err := url.Parse(strings.TrimSpace(id))
	if err != nil {
		return 0, fmt.Errorf("%w: id %q: %v", errBadEntry, id, err)
	}
	n, err := strconv.ParseInt(u.Fragment, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: id %q has no numeric fragment", errBadEntry, id)
	}
	return n, nil
}

func feedURN(id int64) string  { return fmt.Sprintf("urn:peerworks.org:feeds#%d", id) }
func entryURN(id int64) string { return fmt.Sprintf("urn:peerworks.org:entries#%d", id) }

// toEntry turns a published document into an entry of feedID
func (a *atomEntry) toEntry(feedID int64) (domain.Entry, error) {
	id, err := parseURNID(a.ID)
	if err != nil {
		return domain.Entry{}, err
	}

	c := a.Content
	if c == nil {
		c = a.Summary
	}
	raw, typ := c.raw()

	entry := domain.Entry{
		ID:          id,
		FeedID:      feedID,
		Title:       strings.TrimSpace(a.Title),
		Alternate:   a.link("alternate"),
		Self:        a.link("self"),
		Content:     raw,
		ContentType: typ,
		Text:        content.Normalize(raw, typ),
	}
	if a.Updated != "" {
		updated, err := time.Parse(time.RFC3339, strings.TrimSpace(a.Updated))
		if err != nil {
			return domain.Entry{}, fmt.Errorf("%w: updated %q: %v", errBadEntry, a.Updated, err)
		}
		entry.Updated = updated
	}
	return entry, nil
}

func feedDocument(f *domain.Feed) *atomEntry {
	self := fmt.Sprintf("/feeds/%d", f.ID)
	return &atomEntry{
		ID:      feedURN(f.ID),
		Title:   f.Title,
		Updated: f.UpdatedAt.UTC().Format(time.RFC3339),
		Links: []atomLink{
			{Rel: "self", Href: self},
			{Rel: "edit", Href: self},
		},
	}
}

func entryDocument(e *domain.Entry) *atomEntry {
	doc := &atomEntry{
		ID:      entryURN(e.ID),
		Title:   e.Title,
		Updated: e.Updated.UTC().Format(time.RFC3339),
	}
	if e.Alternate != "" {
		doc.Links = append(doc.Links, atomLink{Rel: "alternate", Href: e.Alternate})
	}
	if e.Self != "" {
		doc.Links = append(doc.Links, atomLink{Rel: "self", Href: e.Self})
	}
	doc.Links = append(doc.Links, atomLink{Rel: "edit", Href: fmt.Sprintf("/feed_items/%d", e.ID)})

	c := &atomContent{Type: e.ContentType}
	if e.ContentType == content.TypeXHTML {
		c.Inner = e.Content
	} else {
		c.Text = e.Content
	}
	doc.Content = c
	return doc
}
