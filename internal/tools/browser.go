package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

const (
	maxExtractChars   = 10000
	maxBrowserActions = 20
	navCommitTimeout  = 20 * time.Second
	navIdleTimeout    = 3 * time.Second
)

// browserAction is one tagged-union step of a batch call: navigate,
// click, type, screenshot, or extract.
type browserAction struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
}

type browserArgs struct {
	Actions   []browserAction `json:"actions"`
	SessionID string          `json:"sessionId,omitempty"`
}

// browserCtx is one caller-keyed isolated context plus the page it
// drives. Sessions are held for the process lifetime until CloseAll.
type browserCtx struct {
	ctx  *rod.Browser
	page *rod.Page
}

// BrowserTool drives a single lazily-started headless Chrome instance
// through go-rod, handing each caller-supplied sessionId its own
// isolated browser context, the same lazy-singleton-plus-keyed-session
// shape the teacher uses for its sandbox/MCP session managers.
type BrowserTool struct {
	headless  bool
	timeout   time.Duration
	approvals *ApprovalCoordinator

	mu       sync.Mutex
	browser  *rod.Browser
	sessions map[string]*browserCtx
}

func NewBrowserTool(headless bool, timeout time.Duration, approvals *ApprovalCoordinator) *BrowserTool {
	return &BrowserTool{headless: headless, timeout: timeout, approvals: approvals, sessions: map[string]*browserCtx{}}
}

func (t *BrowserTool) Name() string        { return "browser" }
func (t *BrowserTool) Description() string { return "Drive a headless browser through a batch of navigate/click/type/screenshot/extract actions." }
func (t *BrowserTool) RequiresApproval() bool { return true }

func (t *BrowserTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"actions": {
				"type": "array",
				"minItems": 1,
				"maxItems": 20,
				"items": {
					"type": "object",
					"properties": {
						"type": {"type": "string", "enum": ["navigate", "click", "type", "screenshot", "extract"]},
						"url": {"type": "string"},
						"selector": {"type": "string"},
						"text": {"type": "string"}
					},
					"required": ["type"]
				}
			},
			"sessionId": {"type": "string", "description": "Reuse an existing isolated browser context"}
		},
		"required": ["actions"]
	}`)
}

func (t *BrowserTool) sessionFor(sessionID string) (*browserCtx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		return s, nil
	}
	browser, err := t.ensureBrowserLocked()
	if err != nil {
		return nil, err
	}
	isolated, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("open isolated context: %w", err)
	}
	page, err := isolated.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	s := &browserCtx{ctx: isolated, page: page}
	t.sessions[sessionID] = s
	return s, nil
}

// ensureBrowserLocked is ensureBrowser without re-taking t.mu, for
// callers that already hold it (sessionFor).
func (t *BrowserTool) ensureBrowserLocked() (*rod.Browser, error) {
	if t.browser != nil {
		return t.browser, nil
	}
	u := launcher.New().Headless(t.headless).MustLaunch()
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	t.browser = b
	return b, nil
}

// CloseAll tears down the shared browser instance and every open
// session context; called once at process shutdown.
func (t *BrowserTool) CloseAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = map[string]*browserCtx{}
	if t.browser == nil {
		return nil
	}
	err := t.browser.Close()
	t.browser = nil
	return err
}

var allowedSchemes = map[string]bool{"http": true, "https": true}

func (t *BrowserTool) Execute(ctx context.Context, rawArgs json.RawMessage) (*Result, error) {
	var args browserArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if len(args.Actions) == 0 || len(args.Actions) > maxBrowserActions {
		return ErrorResult(fmt.Sprintf("actions must contain between 1 and %d entries", maxBrowserActions)), nil
	}

	sessionID := args.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if t.approvals != nil {
		if id := approvalIDFrom(ctx); id != "" {
			await := t.approvals.Request(id)
			Emit(ctx, "exec.approval_request", map[string]any{
				"approvalId": id,
				"toolName":   t.Name(),
				"summary":    describeAction(args.Actions[0]),
				"details":    map[string]any{"actions": args.Actions, "sessionId": sessionID},
			})
			decision, err := await(ctx)
			if err != nil {
				return nil, err
			}
			if !decision.Approved {
				msg := "Command denied by user"
				if decision.Reason != "" {
					msg += ": " + decision.Reason
				}
				return &Result{Output: msg, ExitCode: 1, IsError: true, Denied: true}, nil
			}
		}
	}

	sess, err := t.sessionFor(sessionID)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}

	lines := []string{fmt.Sprintf("sessionId: %s", sessionID)}
	var attachments []Attachment
	stop := false
	failed := false

	for i, action := range args.Actions {
		if stop {
			break
		}
		Emit(ctx, "tool.progress", map[string]string{"message": describeAction(action)})

		line, att, halt := t.runAction(ctx, sess.page, action)
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, line))
		if att != nil {
			attachments = append(attachments, *att)
		}
		stop = halt
		failed = failed || halt
	}

	return &Result{Output: strings.Join(lines, "\n"), Attachments: attachments, IsError: failed}, nil
}

// runAction executes one batch step and reports whether subsequent
// actions should be skipped (a blocked navigation or any action
// failure stops the remaining batch, per spec §4.7).
func (t *BrowserTool) runAction(ctx context.Context, page *rod.Page, action browserAction) (line string, attachment *Attachment, halt bool) {
	switch action.Type {
	case "navigate":
		return t.navigate(ctx, page, action.URL)

	case "click":
		el, err := page.Context(ctx).Timeout(t.timeout).Element(action.Selector)
		if err != nil {
			return fmt.Sprintf("click %s: element not found: %v", action.Selector, err), nil, true
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Sprintf("click %s: %v", action.Selector, err), nil, true
		}
		return fmt.Sprintf("clicked %s", action.Selector), nil, false

	case "type":
		el, err := page.Context(ctx).Timeout(t.timeout).Element(action.Selector)
		if err != nil {
			return fmt.Sprintf("type %s: element not found: %v", action.Selector, err), nil, true
		}
		if fieldType, _ := el.Attribute("type"); fieldType != nil && strings.EqualFold(*fieldType, "password") {
			return fmt.Sprintf("refusing to type into password field %s", action.Selector), nil, false
		}
		if err := el.Input(action.Text); err != nil {
			return fmt.Sprintf("type %s: %v", action.Selector, err), nil, true
		}
		return fmt.Sprintf("typed into %s", action.Selector), nil, false

	case "screenshot":
		data, err := page.Context(ctx).Screenshot(false, nil)
		if err != nil {
			return fmt.Sprintf("screenshot: %v", err), nil, true
		}
		return "captured screenshot", &Attachment{Type: "image", MimeType: "image/png", Data: data}, false

	case "extract":
		el := page.Context(ctx)
		var text string
		var err error
		if action.Selector != "" {
			var target *rod.Element
			target, err = el.Timeout(t.timeout).Element(action.Selector)
			if err == nil {
				text, err = target.Text()
			}
		} else {
			var body *rod.Element
			body, err = el.Timeout(t.timeout).Element("body")
			if err == nil {
				text, err = body.Text()
			}
		}
		if err != nil {
			return fmt.Sprintf("extract: %v", err), nil, true
		}
		if len(text) > maxExtractChars {
			text = text[:maxExtractChars] + "\n[truncated]"
		}
		return text, nil, false

	default:
		return "unknown action: " + action.Type, nil, true
	}
}

func (t *BrowserTool) navigate(ctx context.Context, page *rod.Page, rawURL string) (string, *Attachment, bool) {
	if rawURL == "" {
		return "navigate: url is required", nil, true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Sprintf("Blocked: invalid url %q", rawURL), nil, true
	}
	if !allowedSchemes[strings.ToLower(parsed.Scheme)] {
		return fmt.Sprintf("Blocked: scheme %q is not allowed", parsed.Scheme), nil, true
	}

	p := page.Context(ctx).Timeout(navCommitTimeout)
	if err := p.Navigate(rawURL); err != nil {
		return fmt.Sprintf("navigate: %v", err), nil, true
	}
	if err := page.Context(ctx).Timeout(navIdleTimeout).WaitLoad(); err != nil {
		return fmt.Sprintf("navigated to %s (dom-content-loaded timed out, continuing)", rawURL), nil, false
	}
	return "navigated to " + rawURL, nil, false
}

func describeAction(a browserAction) string {
	switch a.Type {
	case "navigate":
		return "navigate to " + a.URL
	case "click":
		return "click " + a.Selector
	case "type":
		return "type into " + a.Selector
	case "screenshot":
		return "take screenshot"
	case "extract":
		if a.Selector != "" {
			return "extract text from " + a.Selector
		}
		return "extract page text"
	default:
		return "unknown action " + a.Type
	}
}
