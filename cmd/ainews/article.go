package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fentz26/ainews/internal/models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var articleCmd = &cobra.Command{
	Use:   "article",
	Short: "Manage queued articles",
}

var articleAddCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Queue an article for processing",
	Args:  cobra.ExactArgs(1),
	RunE:  runArticleAdd,
}

var articleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List articles",
	RunE:  runArticleList,
}

var articleShowCmd = &cobra.Command{
	Use:   "show [article-id]",
	Short: "Show an article",
	Args:  cobra.ExactArgs(1),
	RunE:  runArticleShow,
}

var (
	articleID     string
	articleTitle  string
	articleSource string
	articleStatus string
	articleLimit  int
)

func init() {
	articleCmd.AddCommand(articleAddCmd, articleListCmd, articleShowCmd)

	articleAddCmd.Flags().StringVar(&articleID, "id", "", "Article id (default: generated)")
	articleAddCmd.Flags().StringVar(&articleTitle, "title", "", "Article title")
	articleAddCmd.Flags().StringVar(&articleSource, "source", "", "Source id")

	articleListCmd.Flags().StringVar(&articleStatus, "status", "", "Filter by status (pending, parsed, published, failed)")
	articleListCmd.Flags().IntVar(&articleLimit, "limit", 50, "Maximum rows")
}

func runArticleAdd(cmd *cobra.Command, args []string) error {
	id := articleID
	if id == "" {
		id = uuid.New().String()
	}
	body := map[string]string{
		"article_id": id,
		"url":        args[0],
		"title":      articleTitle,
		"source_id":  articleSource,
	}

	resp, err := apiPost("/articles", body, 0)
	if err != nil {
		return err
	}

	var a models.Article
	if err := json.Unmarshal(resp, &a); err != nil {
		return err
	}
	fmt.Printf("Queued article: %s\n", a.ArticleID)
	return nil
}

func runArticleList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if articleStatus != "" {
		q.Set("status", articleStatus)
	}
	q.Set("limit", fmt.Sprint(articleLimit))

	resp, err := apiGet("/articles?" + q.Encode())
	if err != nil {
		return err
	}

	var articles []models.Article
	if err := json.Unmarshal(resp, &articles); err != nil {
		return err
	}
	if len(articles) == 0 {
		fmt.Println("No articles found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMEDIA\tTITLE\tUPDATED")
	for _, a := range articles {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.ArticleID, a.ContentStatus, a.MediaStatus, truncate(a.Title, 50), humanize.Time(a.UpdatedAt))
	}
	return w.Flush()
}

func runArticleShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/articles/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
