// Package twilio provides a client for sending WhatsApp notifications
// through the Twilio Messages API.
//
// It sends each message from a configured WhatsApp-enabled number to a plain
// phone number target. Designed to be used as the notifier in the remindly
// dispatch loop.
package twilio

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client represents a Twilio client used to send WhatsApp notifications.
type Client struct {
	accountSID string       // Twilio account identifier
	authToken  string       // API auth token
	from       string       // WhatsApp-enabled sender number
	client     *http.Client // HTTP client used to make requests
}

// NewClient creates a new Twilio Client instance. Every API call is bounded
// by the given timeout; a timed-out send is reported as a send failure.
func NewClient(accountSID, authToken, from string, timeout time.Duration) *Client {
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		client:     &http.Client{Timeout: timeout},
	}
}

// Send sends a WhatsApp message to the given phone number.
//
// It posts a form-encoded request to the Twilio Messages endpoint with basic
// auth and returns an error if the request fails or the API responds with a
// non-2xx status.
func (c *Client) Send(to string, msg string) error {
	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", c.accountSID)

	form := url.Values{}
	form.Set("From", "whatsapp:"+c.from)
	form.Set("To", "whatsapp:"+to)
	form.Set("Body", msg)

	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("twilio API error: %s", resp.Status)
	}

	return nil
}
