package tui

import (
	"time"

	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/process"
)

// Health mirrors the daemon's /health payload.
type Health struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// Dashboard is one poll of the daemon.
type Dashboard struct {
	Health     *Health
	Process    *process.Status
	Stats      *models.SessionStats
	Operations []models.OperationRecord
	FetchedAt  time.Time
}

type dashboardMsg struct {
	dash *Dashboard
}

type errMsg struct {
	err error
}

type cmdResultMsg struct {
	message string
}

type tickMsg time.Time
