package app

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"toolbridge/internal/providers"
	"toolbridge/internal/providers/browser"
)

const profilePoll = 2 * time.Second

// ProfileSettings returns the browser settings of the first configured
// browser provider, defaulting the profile to ~/.config/toolbridge/profile_data.
func (a *App) ProfileSettings() browser.Settings {
	s := browser.Settings{}
	for _, p := range a.cfg.Providers {
		if p.Provider == "browser" {
			s.ExecPath = providers.Get[string](p.Options, "browser", "")
			s.ProfileDir = providers.Get[string](p.Options, "profile_dir", "")
			break
		}
	}
	if s.ProfileDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			s.ProfileDir = filepath.Join(home, ".config", "toolbridge", "profile_data")
		}
	}
	return s
}

// Profile opens a visible browser on the profile used by the browser tools so
// the operator can sign in to sites. It returns once the window is closed.
func (a *App) Profile(ctx context.Context, startURL string) error {
	s := a.ProfileSettings()
	s.Headless = false
	if s.ProfileDir != "" {
		if err := os.MkdirAll(s.ProfileDir, 0o755); err != nil {
			return err
		}
	}

	allocatorCtx, cancel := chromedp.NewExecAllocator(ctx, browser.AllocatorOptions(s)...)
	defer cancel()
	browserCtx, cancel := chromedp.NewContext(allocatorCtx)
	defer cancel()

	a.log.WithFields(logrus.Fields{"profileDir": s.ProfileDir, "url": startURL}).Info("opening browser profile")
	if err := chromedp.Run(browserCtx, chromedp.Navigate(startURL)); err != nil {
		return err
	}

	ticker := time.NewTicker(profilePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := chromedp.Run(browserCtx, chromedp.Evaluate(`document.readyState`, nil)); err != nil {
				a.log.Info("browser closed")
				return nil
			}
		case <-browserCtx.Done():
			return nil
		}
	}
}
