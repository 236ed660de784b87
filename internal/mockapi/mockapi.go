// Package mockapi stands in for the HTTP mail APIs the broker can use. Every
// accepted message is delivered to a mailproto.Sink, the same way mail
// captured from the broker stderr is.
package mockapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/broker-testenv/internal/env"
	"github.com/CZERTAINLY/broker-testenv/internal/mailproto"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	sink   mailproto.Sink
	engine *gin.Engine
}

func New(sink mailproto.Sink) *Server {
	s := &Server{
		sink:   sink,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.POST(env.PostmarkPath, s.postmark)
	s.engine.POST(env.MailgunPath+"/:domain/messages", s.mailgun)
	s.engine.POST(env.SendgridPath, s.sendgrid)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.DebugContext(ctx, "mock mail api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr (host:port) until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	TextBody string `json:"TextBody"`
}

func (s *Server) postmark(c *gin.Context) {
	if !tokenEqual(c.GetHeader("X-Postmark-Server-Token"), env.FakePostmarkToken) {
		c.JSON(http.StatusUnauthorized, gin.H{"ErrorCode": 10, "Message": "Bad or missing Server API token."})
		return
	}
	var email postmarkEmail
	if err := c.ShouldBindJSON(&email); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"ErrorCode": 402, "Message": err.Error()})
		return
	}
	if email.TextBody == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"ErrorCode": 300, "Message": "Provide either email TextBody or HtmlBody or both."})
		return
	}
	s.deliver(c, "postmark", email.TextBody)
	c.JSON(http.StatusOK, gin.H{
		"To":        email.To,
		"MessageID": uuid.NewString(),
		"ErrorCode": 0,
		"Message":   "OK",
	})
}

func (s *Server) mailgun(c *gin.Context) {
	user, password, ok := c.Request.BasicAuth()
	if !ok || user != "api" || !tokenEqual(password, env.FakeMailgunToken) {
		c.String(http.StatusUnauthorized, "Forbidden")
		return
	}
	if c.Param("domain") != env.FakeMailgunDomain {
		c.JSON(http.StatusNotFound, gin.H{"message": "Domain not found: " + c.Param("domain")})
		return
	}
	text := c.PostForm("text")
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Need at least one of 'text' or 'html' parameters specified"})
		return
	}
	s.deliver(c, "mailgun", text)
	c.JSON(http.StatusOK, gin.H{
		"id":      "<" + uuid.NewString() + "@" + env.FakeMailgunDomain + ">",
		"message": "Queued. Thank you.",
	})
}

type sendgridMail struct {
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
}

func (s *Server) sendgrid(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || !tokenEqual(token, env.FakeSendgridToken) {
		c.JSON(http.StatusUnauthorized, gin.H{"errors": []gin.H{{"message": "The provided authorization grant is invalid, expired, or revoked"}}})
		return
	}
	var mail sendgridMail
	if err := c.ShouldBindJSON(&mail); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []gin.H{{"message": err.Error()}}})
		return
	}
	for _, content := range mail.Content {
		if content.Type == "text/plain" && content.Value != "" {
			s.deliver(c, "sendgrid", content.Value)
			c.Header("X-Message-Id", uuid.NewString())
			c.Status(http.StatusAccepted)
			return
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"errors": []gin.H{{"message": "text/plain content is required", "field": "content"}}})
}

func (s *Server) deliver(c *gin.Context, provider, body string) {
	ctx := c.Request.Context()
	slog.DebugContext(ctx, "mail api request accepted", "provider", provider)
	if s.sink != nil {
		s.sink.Deliver(ctx, body)
	}
}
