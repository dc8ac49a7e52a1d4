package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fentz26/ainews/internal/models"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect worker sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionList,
}

var sessionStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session, lock and article counts",
	RunE:  runSessionStats,
}

var sessionCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reap stale sessions and expired locks now",
	RunE:  runSessionCleanup,
}

var sessionStatus string

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionStatsCmd, sessionCleanupCmd)
	sessionListCmd.Flags().StringVar(&sessionStatus, "status", "", "Filter by status (active, completed, abandoned)")
}

func runSessionList(cmd *cobra.Command, args []string) error {
	path := "/sessions"
	if sessionStatus != "" {
		path += "?status=" + sessionStatus
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var sessions []models.Session
	if err := json.Unmarshal(resp, &sessions); err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tSTATUS\tHEARTBEAT\tARTICLES\tOK\tERR\tCURRENT")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			s.WorkerID, s.Status, humanize.Time(s.LastHeartbeat),
			s.TotalArticles, s.SuccessCount, s.ErrorCount, s.CurrentArticleID)
	}
	return w.Flush()
}

func runSessionStats(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/sessions/stats")
	if err != nil {
		return err
	}
	var stats models.SessionStats
	if err := json.Unmarshal(resp, &stats); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, s := range []models.SessionStatus{models.SessionStatusActive, models.SessionStatusCompleted, models.SessionStatusAbandoned} {
		fmt.Fprintf(w, "sessions %s\t%d\n", s, stats.Sessions[s])
	}
	fmt.Fprintf(w, "live locks\t%d\n", stats.LiveLocks)
	for _, s := range []models.ArticleStatus{models.ArticleStatusPending, models.ArticleStatusParsed, models.ArticleStatusPublished, models.ArticleStatusFailed} {
		fmt.Fprintf(w, "articles %s\t%s\n", s, humanize.Comma(int64(stats.Articles[s])))
	}
	return w.Flush()
}

func runSessionCleanup(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/sessions/cleanup", nil, 0)
	if err != nil {
		return err
	}
	var res models.CleanupResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	fmt.Printf("Abandoned sessions: %d  Expired locks: %d  Reset articles: %d\n",
		res.AbandonedSessions, res.ExpiredLocks, res.ResetArticles)
	return nil
}
