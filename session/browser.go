// Package session manages the pool of live browser automation sessions.
// A session wraps one remote WebDriver connection; the pool bounds how many
// exist concurrently and hands them to test cases for exclusive use.
package session

import (
	"fmt"
	"time"

	"github.com/tebeka/selenium"
	"github.com/tebeka/selenium/chrome"
)

// Browser is the per-session automation surface the runner drives. It is
// satisfied by the remote WebDriver implementation below and by fakes in
// tests.
type Browser interface {
	Navigate(url string) error
	Click(selector string) error
	Fill(selector, text string) error
	Title() (string, error)
	Text(selector string) (string, error)
	Present(selector string) (bool, error)
	Screenshot() ([]byte, error)
	PageSource() (string, error)
	Quit() error
}

// Factory creates a new Browser bound to a suite. The pool calls it lazily
// whenever capacity allows and no idle session with matching affinity
// exists.
type Factory func(suite string) (Browser, error)

// DriverConfig holds the settings for connecting to the WebDriver endpoint.
type DriverConfig struct {
	// URL of the already-running driver, e.g. http://localhost:9515.
	URL string
	// BrowserName passed in the session capabilities.
	BrowserName string
	// Headless adds headless Chrome arguments for UI-suite sessions.
	Headless bool
	// PageLoadTimeout bounds each navigation.
	PageLoadTimeout time.Duration
}

// NewRemoteFactory returns a Factory that opens sessions against the
// configured driver endpoint.
func NewRemoteFactory(cfg DriverConfig) Factory {
	return func(suite string) (Browser, error) {
		caps := selenium.Capabilities{"browserName": cfg.BrowserName}
		if cfg.Headless {
			caps.AddChrome(chrome.Capabilities{
				Args: []string{"--headless=new", "--no-sandbox", "--disable-dev-shm-usage", "--disable-gpu"},
			})
		}
		wd, err := selenium.NewRemote(caps, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open webdriver session (suite %s): %w", suite, err)
		}
		if cfg.PageLoadTimeout > 0 {
			if err := wd.SetPageLoadTimeout(cfg.PageLoadTimeout); err != nil {
				_ = wd.Quit()
				return nil, fmt.Errorf("failed to set page load timeout: %w", err)
			}
		}
		return &remoteBrowser{wd: wd}, nil
	}
}

// remoteBrowser adapts a selenium.WebDriver to the Browser interface.
type remoteBrowser struct {
	wd selenium.WebDriver
}

func (b *remoteBrowser) Navigate(url string) error {
	return b.wd.Get(url)
}

func (b *remoteBrowser) Click(selector string) error {
	el, err := b.wd.FindElement(selenium.ByCSSSelector, selector)
	if err != nil {
		return err
	}
	return el.Click()
}

func (b *remoteBrowser) Fill(selector, text string) error {
	el, err := b.wd.FindElement(selenium.ByCSSSelector, selector)
	if err != nil {
		return err
	}
	if err := el.Clear(); err != nil {
		return err
	}
	return el.SendKeys(text)
}

func (b *remoteBrowser) Title() (string, error) {
	return b.wd.Title()
}

func (b *remoteBrowser) Text(selector string) (string, error) {
	el, err := b.wd.FindElement(selenium.ByCSSSelector, selector)
	if err != nil {
		return "", err
	}
	return el.Text()
}

func (b *remoteBrowser) Present(selector string) (bool, error) {
	els, err := b.wd.FindElements(selenium.ByCSSSelector, selector)
	if err != nil {
		return false, err
	}
	return len(els) > 0, nil
}

func (b *remoteBrowser) Screenshot() ([]byte, error) {
	return b.wd.Screenshot()
}

func (b *remoteBrowser) PageSource() (string, error) {
	return b.wd.PageSource()
}

func (b *remoteBrowser) Quit() error {
	return b.wd.Quit()
}
