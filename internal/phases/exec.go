package phases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/ainews/internal/connectors"
	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/pipeline"
)

// ErrNoCommand is returned when an exec phase has no command configured.
var ErrNoCommand = errors.New("no command configured")

// prepareRequest is written to the prepare command's stdin.
type prepareRequest struct {
	Article *models.Article    `json:"article"`
	Media   []models.MediaItem `json:"media"`
}

// commandPhase runs argv through a connector with a JSON payload.
type commandPhase struct {
	conn    connectors.Connector
	argv    []string
	timeout time.Duration
}

func newCommandPhase(conn connectors.Connector, argv []string, timeout time.Duration) (commandPhase, error) {
	if len(argv) == 0 || argv[0] == "" {
		return commandPhase{}, ErrNoCommand
	}
	return commandPhase{conn: conn, argv: argv, timeout: timeout}, nil
}

func (c commandPhase) run(ctx context.Context, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	res, err := c.conn.Execute(ctx, c.argv[0], c.argv[1:], payload)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited with code %d: %s", c.argv[0], res.ExitCode, lastLine(res.Stderr))
	}
	if err := json.Unmarshal([]byte(res.Stdout), out); err != nil {
		return fmt.Errorf("decode %s output: %w", c.argv[0], err)
	}
	return nil
}

// ExecPreparer runs an external translate/rewrite command. The command
// reads {"article", "media"} JSON on stdin and writes a prepared article.
type ExecPreparer struct {
	cmd commandPhase
}

// NewExecPreparer creates a preparer for argv.
func NewExecPreparer(conn connectors.Connector, argv []string, timeout time.Duration) (*ExecPreparer, error) {
	cmd, err := newCommandPhase(conn, argv, timeout)
	if err != nil {
		return nil, fmt.Errorf("prepare phase: %w", err)
	}
	return &ExecPreparer{cmd: cmd}, nil
}

// Prepare implements pipeline.Preparer.
func (e *ExecPreparer) Prepare(ctx context.Context, article *models.Article, media []models.MediaItem) (*pipeline.PreparedArticle, error) {
	var out pipeline.PreparedArticle
	if err := e.cmd.run(ctx, prepareRequest{Article: article, Media: media}, &out); err != nil {
		return nil, err
	}
	if out.Content == "" {
		return nil, errors.New("prepare command returned empty content")
	}
	if out.ArticleID == "" {
		out.ArticleID = article.ArticleID
	}
	if out.URL == "" {
		out.URL = article.URL
	}
	if out.Media == nil {
		out.Media = media
	}
	return &out, nil
}

// PassthroughPreparer publishes the parsed article unchanged.
type PassthroughPreparer struct{}

// Prepare implements pipeline.Preparer.
func (PassthroughPreparer) Prepare(_ context.Context, article *models.Article, media []models.MediaItem) (*pipeline.PreparedArticle, error) {
	return &pipeline.PreparedArticle{
		ArticleID: article.ArticleID,
		Title:     article.Title,
		Content:   article.Content,
		URL:       article.URL,
		Media:     media,
	}, nil
}

// ExecPublisher runs an external publish command. The command reads the
// prepared article JSON on stdin and writes {"external_post_id": "..."}.
type ExecPublisher struct {
	cmd commandPhase
}

// NewExecPublisher creates a publisher for argv.
func NewExecPublisher(conn connectors.Connector, argv []string, timeout time.Duration) (*ExecPublisher, error) {
	cmd, err := newCommandPhase(conn, argv, timeout)
	if err != nil {
		return nil, fmt.Errorf("publish phase: %w", err)
	}
	return &ExecPublisher{cmd: cmd}, nil
}

// Publish implements pipeline.Publisher.
func (e *ExecPublisher) Publish(ctx context.Context, article *pipeline.PreparedArticle) (*pipeline.PublishResult, error) {
	var out pipeline.PublishResult
	if err := e.cmd.run(ctx, article, &out); err != nil {
		return nil, err
	}
	if out.ExternalPostID == "" {
		return nil, errors.New("publish command returned no external_post_id")
	}
	return &out, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
