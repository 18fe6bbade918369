// Package server is the web UI of the document assistant.
package server

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
	"github.com/mascarenhasneil/HandsOnOllama/internal/parser"
	"github.com/mascarenhasneil/HandsOnOllama/internal/session"
)

const (
	pageTitle   = "Document Assistant"
	inputPrompt = "Enter your question:"
)

//go:embed templates/index.html
var templateFS embed.FS

// Server renders the page and maps form posts onto the session.
type Server struct {
	session  *session.Session
	cfg      config.ServerConfig
	markdown goldmark.Markdown
	accept   string

	// message for the next page render, consumed on read. One flash is shared
	// by every tab, which matches the single user session.
	mu    sync.Mutex
	flash string
}

type pageData struct {
	Title       string
	InputPrompt string
	Accept      string
	State       session.Snapshot
	Busy        bool
	Flash       string
	Answer      template.HTML
	Sources     string
}

func New(cfg config.ServerConfig, sess *session.Session) *Server {
	exts := parser.SupportedExtensions()
	sort.Strings(exts)
	return &Server{
		session: sess,
		cfg:     cfg,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		accept: strings.Join(exts, ","),
	}
}

// Router builds the gin engine with every route of the UI.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Mode != "" {
		gin.SetMode(s.cfg.Mode)
	}
	r := gin.New()
	r.Use(RequestLogger(), gin.Recovery())
	r.SetHTMLTemplate(template.Must(template.ParseFS(templateFS, "templates/index.html")))

	r.GET("/", s.index)
	r.POST("/upload", s.upload)
	r.POST("/ask", s.ask)
	r.POST("/ack", s.acknowledge)
	r.POST("/stop", s.stop)
	r.POST("/close", s.close)

	r.GET("/api/state", s.state)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func (s *Server) index(c *gin.Context) {
	snap := s.session.Snapshot()
	data := pageData{
		Title:       pageTitle,
		InputPrompt: inputPrompt,
		Accept:      s.accept,
		State:       snap,
		Busy:        snap.State == session.Ingesting || snap.State == session.Querying,
		Flash:       s.takeFlash(),
	}
	if snap.Response != nil {
		data.Answer = s.renderMarkdown(snap.Response.Content)
		data.Sources = snap.Response.Source
	}
	c.HTML(http.StatusOK, "index.html", data)
}

func (s *Server) upload(c *gin.Context) {
	if s.cfg.MaxUploadMB > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadMB<<20)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.setFlash("The file is too large.")
		} else {
			s.setFlash("Please choose a PDF file.")
		}
		c.Redirect(http.StatusSeeOther, "/")
		return
	}

	f, err := fh.Open()
	if err != nil {
		log.Error().Err(err).Str("file", fh.Filename).Msg("Failed to open upload")
		s.setFlash("Failed to read the uploaded file.")
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	defer f.Close()

	if err := s.session.Upload(c.Request.Context(), fh.Filename, f); err != nil {
		s.flashRejection(err)
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) ask(c *gin.Context) {
	question := c.PostForm("question")
	if _, err := s.session.Ask(c.Request.Context(), question); err != nil {
		s.flashRejection(err)
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) acknowledge(c *gin.Context) {
	s.session.Acknowledge()
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) stop(c *gin.Context) {
	s.session.Stop()
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) close(c *gin.Context) {
	s.session.Close()
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) state(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Snapshot())
}

// flashRejection shows errors that left the state unchanged. Failures that
// moved the session to Error are shown from the snapshot instead.
func (s *Server) flashRejection(err error) {
	switch {
	case errors.Is(err, models.ErrEmptyQuestion):
		s.setFlash("Please enter a question to get started.")
	case errors.Is(err, session.ErrNoDocument):
		s.setFlash("Please upload a PDF file before asking a question.")
	case errors.Is(err, session.ErrBusy):
		s.setFlash("Please wait, the previous action is still running.")
	case errors.Is(err, session.ErrUnacknowledged):
		s.setFlash("Please acknowledge the error first.")
	case errors.Is(err, session.ErrStopped):
	default:
		if s.session.State() != session.Error {
			s.setFlash("An error occurred: " + err.Error())
		}
	}
}

func (s *Server) renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(md), &buf); err != nil {
		log.Warn().Err(err).Msg("Failed to render answer")
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

func (s *Server) setFlash(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flash = msg
}

func (s *Server) takeFlash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.flash
	s.flash = ""
	return msg
}
