package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
)

// Provider is the outbound channel to the messaging provider. The delivery
// engine only depends on this interface; tests plug in fakes.
type Provider interface {
	// SendMessage posts a free-form message and returns the provider message id
	SendMessage(ctx context.Context, account *models.Account, to string, content models.MessageContent) (string, error)

	// SendTemplate posts a template message and returns the provider message id
	SendTemplate(ctx context.Context, account *models.Account, to, templateName, language string, variables map[string]string) (string, error)

	// SubmitTemplate submits a template for approval and returns the provider template id
	SubmitTemplate(ctx context.Context, account *models.Account, name, language, body string) (string, error)

	// TemplateStatus reads the approval status of a submitted template.
	// Returns the provider status plus the rejection reason when rejected.
	TemplateStatus(ctx context.Context, account *models.Account, providerTemplateID string) (string, string, error)
}

// Provider-side template status values
const (
	ProviderTemplateApproved = "APPROVED"
	ProviderTemplateRejected = "REJECTED"
	ProviderTemplatePending  = "PENDING"
)

// WhatsAppClient talks to the Cloud API over HTTP. A circuit breaker
// short-circuits calls to a persistently failing endpoint instead of
// retrying indefinitely.
type WhatsAppClient struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
}

// NewWhatsAppClient creates a provider client against the given API base URL
func NewWhatsAppClient(baseURL string) *WhatsAppClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(15 * time.Second)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "whatsapp-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("⚡ Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &WhatsAppClient{
		http:    client,
		breaker: breaker,
	}
}

// Request/response payloads for the provider wire format

type sendTextBody struct {
	Body string `json:"body"`
}

type sendMediaBody struct {
	Link    string `json:"link,omitempty"`
	ID      string `json:"id,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type sendTemplateLanguage struct {
	Code string `json:"code"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Text       string              `json:"text,omitempty"`
	Parameters []templateParameter `json:"parameters,omitempty"`
}

type sendTemplateBody struct {
	Name       string               `json:"name"`
	Language   sendTemplateLanguage `json:"language"`
	Components []templateComponent  `json:"components,omitempty"`
}

type sendRequest struct {
	To       string            `json:"to"`
	Type     string            `json:"type"`
	Text     *sendTextBody     `json:"text,omitempty"`
	Image    *sendMediaBody    `json:"image,omitempty"`
	Document *sendMediaBody    `json:"document,omitempty"`
	Audio    *sendMediaBody    `json:"audio,omitempty"`
	Template *sendTemplateBody `json:"template,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type submitTemplateRequest struct {
	Name       string              `json:"name"`
	Language   string              `json:"language"`
	Components []templateComponent `json:"components"`
}

type submitTemplateResponse struct {
	ID string `json:"id"`
}

type templateStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// SendMessage posts a free-form message for the conversation window
func (w *WhatsAppClient) SendMessage(ctx context.Context, account *models.Account, to string, content models.MessageContent) (string, error) {
	req := sendRequest{To: to, Type: content.Kind}

	switch content.Kind {
	case models.ContentText:
		req.Text = &sendTextBody{Body: content.Text}
	case models.ContentImage:
		req.Image = &sendMediaBody{Link: content.MediaURL, ID: content.MediaID, Caption: content.Caption}
	case models.ContentDocument:
		req.Document = &sendMediaBody{Link: content.MediaURL, ID: content.MediaID, Caption: content.Caption}
	case models.ContentAudio:
		req.Audio = &sendMediaBody{Link: content.MediaURL, ID: content.MediaID}
	default:
		return "", fmt.Errorf("unsupported content kind for direct send: %s", content.Kind)
	}

	var result sendResponse
	err := w.execute(func() (*resty.Response, error) {
		return w.http.R().
			SetContext(ctx).
			SetAuthToken(account.AccessToken).
			SetBody(req).
			SetResult(&result).
			Post(fmt.Sprintf("/%s/messages", account.PhoneNumberID))
	})
	if err != nil {
		return "", err
	}

	if len(result.Messages) == 0 {
		return "", fmt.Errorf("provider accepted send but returned no message id")
	}
	return result.Messages[0].ID, nil
}

// SendTemplate posts a pre-approved template message
func (w *WhatsAppClient) SendTemplate(ctx context.Context, account *models.Account, to, templateName, language string, variables map[string]string) (string, error) {
	body := &sendTemplateBody{
		Name:     templateName,
		Language: sendTemplateLanguage{Code: language},
	}

	if len(variables) > 0 {
		component := templateComponent{Type: "body"}
		// Positional parameters {{1}}..{{n}}
		for i := 1; ; i++ {
			value, ok := variables[fmt.Sprintf("%d", i)]
			if !ok {
				break
			}
			component.Parameters = append(component.Parameters, templateParameter{Type: "text", Text: value})
		}
		body.Components = append(body.Components, component)
	}

	var result sendResponse
	err := w.execute(func() (*resty.Response, error) {
		return w.http.R().
			SetContext(ctx).
			SetAuthToken(account.AccessToken).
			SetBody(sendRequest{To: to, Type: "template", Template: body}).
			SetResult(&result).
			Post(fmt.Sprintf("/%s/messages", account.PhoneNumberID))
	})
	if err != nil {
		return "", err
	}

	if len(result.Messages) == 0 {
		return "", fmt.Errorf("provider accepted template send but returned no message id")
	}
	return result.Messages[0].ID, nil
}

// SubmitTemplate submits a new template for asynchronous approval
func (w *WhatsAppClient) SubmitTemplate(ctx context.Context, account *models.Account, name, language, body string) (string, error) {
	var result submitTemplateResponse
	err := w.execute(func() (*resty.Response, error) {
		return w.http.R().
			SetContext(ctx).
			SetAuthToken(account.AccessToken).
			SetBody(submitTemplateRequest{
				Name:     name,
				Language: language,
				Components: []templateComponent{
					{Type: "BODY", Text: body},
				},
			}).
			SetResult(&result).
			Post(fmt.Sprintf("/%s/message_templates", account.WabaID))
	})
	if err != nil {
		return "", err
	}

	if result.ID == "" {
		return "", fmt.Errorf("provider accepted template submission but returned no id")
	}
	return result.ID, nil
}

// TemplateStatus reads the approval status of a submitted template
func (w *WhatsAppClient) TemplateStatus(ctx context.Context, account *models.Account, providerTemplateID string) (string, string, error) {
	var result templateStatusResponse
	err := w.execute(func() (*resty.Response, error) {
		return w.http.R().
			SetContext(ctx).
			SetAuthToken(account.AccessToken).
			SetResult(&result).
			Get(fmt.Sprintf("/%s", providerTemplateID))
	})
	if err != nil {
		return "", "", err
	}
	return result.Status, result.Reason, nil
}

// execute runs one provider call through the circuit breaker and classifies
// the outcome into the delivery error taxonomy
func (w *WhatsAppClient) execute(call func() (*resty.Response, error)) error {
	_, err := w.breaker.Execute(func() (interface{}, error) {
		resp, err := call()
		if err != nil {
			return nil, fmt.Errorf("provider request failed: %v: %w", err, ErrProviderTransient)
		}
		if resp.StatusCode() >= 500 {
			return nil, fmt.Errorf("provider returned %d: %w", resp.StatusCode(), ErrProviderTransient)
		}
		if resp.StatusCode() >= 400 {
			return nil, fmt.Errorf("provider returned %d: %s: %w", resp.StatusCode(), resp.String(), ErrProviderRejected)
		}
		return resp, nil
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("circuit breaker open: %w", ErrProviderTransient)
	}
	return err
}

// withRetry runs op with bounded exponential backoff. Transient provider
// errors are retried up to the budget; everything else fails immediately.
func withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 4), ctx))
}

func isTransient(err error) bool {
	return err != nil && errors.Is(err, ErrProviderTransient)
}
