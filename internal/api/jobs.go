package api

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pbaille/classifier/internal/domain"
)

type typedValue struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

type jobDocument struct {
	XMLName      xml.Name    `xml:"job"`
	ID           string      `xml:"id,omitempty"`
	TagID        *typedValue `xml:"tag-id"`
	ErrorMessage string      `xml:"error-message,omitempty"`
	Duration     *typedValue `xml:"duration"`
	Progress     *typedValue `xml:"progress"`
	Status       string      `xml:"status,omitempty"`
}

func jobDocumentFor(j domain.Job) jobDocument {
	doc := jobDocument{
		ID:       j.ID,
		TagID:    &typedValue{Type: "integer", Value: strconv.FormatInt(j.TagID, 10)},
		Duration: &typedValue{Type: "float", Value: fmt.Sprintf("%.2f", j.Duration().Seconds())},
		Progress: &typedValue{Type: "integer", Value: strconv.Itoa(j.Progress)},
		Status:   string(j.Status),
	}
	if j.Status == domain.JobFailed {
		doc.ErrorMessage = j.Error
	}
	return doc
}

type aboutDocument struct {
	XMLName  xml.Name   `xml:"classifier"`
	Version  typedValue `xml:"version"`
	Revision typedValue `xml:"git-revision"`
}

// jobID strips the optional .xml suffix of a job path
func jobID(c echo.Context) string {
	return strings.TrimSuffix(c.Param("id"), ".xml")
}

func (s *server) createJob(c echo.Context) error {
	body, err := readBody(c)
	if errors.Is(err, errBadXML) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "Badly formatted XML.").SetInternal(err)
	}
	if err != nil {
		return err
	}

	var doc jobDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: %v", errBadXML, err)
	}
	if doc.TagID == nil || strings.TrimSpace(doc.TagID.Value) == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "Missing tag id in job description.")
	}
	tagID, err := strconv.ParseInt(strings.TrimSpace(doc.TagID.Value), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "Invalid tag id in job description.").SetInternal(err)
	}

	job := s.Jobs.CreateJob(tagID)
	c.Logger().Infof("started classification job %s for tag %d", job.ID, tagID)

	c.Response().Header().Set(echo.HeaderLocation, location(c, "/classifier/jobs/"+job.ID))
	return c.XML(http.StatusCreated, jobDocumentFor(job))
}

func (s *server) getJob(c echo.Context) error {
	job, err := s.Jobs.Job(jobID(c))
	if err != nil {
		return err
	}
	return c.XML(http.StatusOK, jobDocumentFor(job))
}

// deleteJob removes a finished job and cancels any other
func (s *server) deleteJob(c echo.Context) error {
	id := jobID(c)
	job, err := s.Jobs.Job(id)
	if err != nil {
		return err
	}

	if !job.Status.Terminal() {
		if err := s.Jobs.CancelJob(id); err == nil {
			c.Logger().Infof("cancelled classification job %s", id)
			return c.NoContent(http.StatusOK)
		}
		// finished since the lookup
	}
	if err := s.Jobs.RemoveJob(id); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func (s *server) about(c echo.Context) error {
	return c.XML(http.StatusOK, aboutDocument{
		Version:  typedValue{Type: "string", Value: s.Version},
		Revision: typedValue{Type: "string", Value: s.Revision},
	})
}
