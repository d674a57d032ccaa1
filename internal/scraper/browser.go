package scraper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// browserFetcher renders a page in a headless stealth browser and returns
// the resulting HTML. Used for hosts that serve empty shells to plain HTTP
// clients.
type browserFetcher struct{}

func newBrowserFetcher() *browserFetcher {
	return &browserFetcher{}
}

func (f *browserFetcher) FetchHTML(ctx context.Context, pageURL string) (html string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("browser fetch panicked: %v", r)
		}
	}()

	l := launcher.New().
		Headless(true).
		UserDataDir(filepath.Join(os.TempDir(), "vidbridge-browser")).
		Set("no-sandbox").
		Set("disable-gpu").
		Set("disable-dev-shm-usage")
	defer l.Cleanup()

	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("launching browser: %w", err)
	}

	browser := rod.New().ControlURL(u).Context(ctx).MustConnect()
	defer browser.MustClose()

	page := stealth.MustPage(browser)
	defer page.MustClose()

	if err := page.Timeout(60 * time.Second).Navigate(pageURL); err != nil {
		return "", fmt.Errorf("navigating: %w", err)
	}
	_ = page.Timeout(30 * time.Second).WaitLoad()

	// Let late XHR-injected players attach their sources.
	time.Sleep(2 * time.Second)

	return page.HTML()
}
