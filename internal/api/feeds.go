package api

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pbaille/classifier/internal/store"
)

type infoDocument struct {
	XMLName xml.Name `xml:"info"`
	Message string   `xml:",chardata"`
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fmt.Errorf("%w: empty document", errBadXML)
	}
	return body, nil
}

// pathID parses a numeric path parameter; anything else names no resource
func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s %q: %w", name, c.Param(name), store.ErrNotFound)
	}
	return id, nil
}

func location(c echo.Context, path string) string {
	return c.Scheme() + "://" + c.Request().Host + path
}

func (s *server) createFeed(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	doc, err := parseAtomEntry(body)
	if err != nil {
		return err
	}
	id, err := parseURNID(doc.ID)
	if err != nil {
		return err
	}

	feed, err := s.Store.CreateFeed(c.Request().Context(), id, strings.TrimSpace(doc.Title))
	if err != nil {
		return err
	}
	c.Logger().Infof("created feed %d", feed.ID)

	c.Response().Header().Set(echo.HeaderLocation, location(c, fmt.Sprintf("/feeds/%d", feed.ID)))
	return c.Blob(http.StatusCreated, echo.MIMEApplicationXMLCharsetUTF8, body)
}

func (s *server) getFeed(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	feed, err := s.Store.GetFeed(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.XML(http.StatusOK, feedDocument(feed))
}

// updateFeed accepts and ignores feed updates
func (s *server) updateFeed(c echo.Context) error {
	return c.XML(http.StatusAccepted, infoDocument{Message: "Feed updates ignored."})
}

func (s *server) deleteFeed(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.Store.DeleteFeed(c.Request().Context(), id); err != nil {
		return err
	}
	c.Logger().Infof("deleted feed %d", id)
	return c.NoContent(http.StatusNoContent)
}

// createEntry stores a published entry and schedules its tokenization.
// The response does not wait for the tokenizer.
func (s *server) createEntry(c echo.Context) error {
	feedID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	doc, err := parseAtomEntry(body)
	if err != nil {
		return err
	}
	entry, err := doc.toEntry(feedID)
	if err != nil {
		return err
	}

	created, err := s.Store.CreateEntry(c.Request().Context(), entry)
	if err != nil {
		return err
	}
	c.Logger().Infof("created entry %d in feed %d", created.ID, feedID)
	if s.Tokenizer != nil {
		s.Tokenizer.TokenizeAsync(*created)
	}

	c.Response().Header().Set(echo.HeaderLocation, location(c, fmt.Sprintf("/feed_items/%d", created.ID)))
	return c.Blob(http.StatusCreated, echo.MIMEApplicationXMLCharsetUTF8, body)
}

func (s *server) getEntry(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	entry, err := s.Store.GetEntry(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.XML(http.StatusOK, entryDocument(entry))
}

func (s *server) deleteEntry(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.Store.DeleteEntry(c.Request().Context(), id); err != nil {
		return err
	}
	c.Logger().Infof("deleted entry %d", id)
	return c.NoContent(http.StatusNoContent)
}
