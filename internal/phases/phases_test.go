package phases

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/fentz26/ainews/internal/connectors/localexec"
	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articleHTML = `<html>
<head>
  <title>Site | Fallback</title>
  <meta property="og:title" content="GPT-6 announced">
</head>
<body>
  <nav>Home About</nav>
  <article>
    <h1>GPT-6 announced</h1>
    <p>OpenAI   today announced
       a new model.</p>
    <img src="/img/hero.png">
    <img src="/img/hero.png">
    <img data-src="https://cdn.example.com/chart.jpg">
    <img src="data:image/png;base64,AAAA">
    <script>track()</script>
  </article>
  <footer>copyright</footer>
</body>
</html>`

func TestHTMLParser_Parse(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	p := NewHTMLParser("ainews-test", time.Second, 0)
	res, err := p.Parse(context.Background(), &models.Article{ArticleID: "A1", URL: srv.URL + "/posts/1"})
	require.NoError(t, err)

	assert.Equal(t, "ainews-test", gotUA)
	assert.Equal(t, "GPT-6 announced", res.Title)
	assert.Equal(t, "GPT-6 announced OpenAI today announced a new model.", res.Content)
	assert.Equal(t, 8, res.WordCount)
	assert.Equal(t, []string{srv.URL + "/img/hero.png", "https://cdn.example.com/chart.jpg"}, res.MediaURLs)
}

func TestHTMLParser_MaxMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	p := NewHTMLParser("", time.Second, 1)
	res, err := p.Parse(context.Background(), &models.Article{ArticleID: "A1", URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, res.MediaURLs, 1)
}

func TestHTMLParser_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			w.Write([]byte("<html><body><script>x()</script></body></html>"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := NewHTMLParser("", time.Second, 0)
	for _, u := range []string{srv.URL + "/missing", srv.URL + "/empty", "not a url"} {
		_, err := p.Parse(context.Background(), &models.Article{ArticleID: "A1", URL: u})
		assert.Error(t, err, u)
	}
}

func TestHTTPMediaDownloader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok.png" {
			w.Write([]byte("PNGDATA"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewHTTPMediaDownloader(dir, "", time.Second, nil)
	res, err := d.DownloadBatch(context.Background(), []models.MediaItem{
		{MediaID: "m1", ArticleID: "A1", URL: srv.URL + "/ok.png"},
		{MediaID: "m2", ArticleID: "A1", URL: srv.URL + "/broken.png"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, []string{"m2"}, res.Failed)

	data, err := os.ReadFile(res.Completed["m1"])
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))
	assert.Contains(t, res.Completed["m1"], "A1")
}

func TestExecPreparerAndPublisher(t *testing.T) {
	prepArgv := []string{"sh", "-c", `cat >/dev/null; echo '{"title":"Заголовок","content":"переведено","tags":["ai"]}'`}
	pubArgv := []string{"sh", "-c", `cat >/dev/null; echo '{"external_post_id":"wp-42"}'`}
	conn := localexec.New("", prepArgv, pubArgv)

	prep, err := NewExecPreparer(conn, prepArgv, time.Second*5)
	require.NoError(t, err)
	pub, err := NewExecPublisher(conn, pubArgv, time.Second*5)
	require.NoError(t, err)

	article := &models.Article{ArticleID: "A1", URL: "https://example.com/a1", Title: "T", Content: "body"}
	prepared, err := prep.Prepare(context.Background(), article, nil)
	require.NoError(t, err)
	assert.Equal(t, "A1", prepared.ArticleID)
	assert.Equal(t, "переведено", prepared.Content)
	assert.Equal(t, []string{"ai"}, prepared.Tags)

	res, err := pub.Publish(context.Background(), prepared)
	require.NoError(t, err)
	assert.Equal(t, "wp-42", res.ExternalPostID)
}

func TestExecPublisher_Failure(t *testing.T) {
	argv := []string{"sh", "-c", `echo "auth failed" >&2; exit 1`}
	pub, err := NewExecPublisher(localexec.New("", argv), argv, time.Second*5)
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), &pipeline.PreparedArticle{ArticleID: "A1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth failed")
}

func TestExecPhase_NoCommand(t *testing.T) {
	_, err := NewExecPublisher(localexec.New(""), nil, time.Second)
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestPassthroughPreparer(t *testing.T) {
	p, err := PassthroughPreparer{}.Prepare(context.Background(), &models.Article{ArticleID: "A1", Content: "body"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "body", p.Content)
}
