package tiktok

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/domain/repository"
)

const signatureHeader = "TikTok-Signature"

type webhookEvent struct {
	ClientKey  string `json:"client_key"`
	Event      string `json:"event"`
	CreateTime int64  `json:"create_time"`
	UserOpenID string `json:"user_openid"`
	// Content is a JSON document encoded as a string.
	Content string `json:"content"`
}

type publishContent struct {
	PublishID string `json:"publish_id"`
	PostID    string `json:"post_id"`
	Reason    string `json:"reason"`
}

// ParseWebhook verifies the TikTok-Signature header and normalizes
// post.publish events. Events this service does not track yield nothing.
func (c *Client) ParseWebhook(header http.Header, body []byte) ([]model.StatusEvent, error) {
	if err := c.verifySignature(header.Get(signatureHeader), body); err != nil {
		return nil, err
	}
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if !strings.HasPrefix(ev.Event, "post.publish.") {
		return nil, nil
	}
	var content publishContent
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		return nil, fmt.Errorf("decode webhook content: %w", err)
	}
	if content.PublishID == "" {
		return nil, nil
	}

	var result model.StatusResult
	switch ev.Event {
	case "post.publish.complete", "post.publish.inbox_delivered":
		result = model.StatusResult{Outcome: model.StatusPublished, ExternalContentID: content.PublishID}
	case "post.publish.publicly_available":
		id := content.PostID
		if id == "" {
			id = content.PublishID
		}
		result = model.StatusResult{Outcome: model.StatusPublished, ExternalContentID: id}
	case "post.publish.failed":
		result = model.StatusResult{Outcome: model.StatusFailed, ErrorKind: string(apperror.KindContentRejected), ErrorDetail: content.Reason}
	default:
		return nil, nil
	}
	return []model.StatusEvent{{Handle: content.PublishID, Result: result}}, nil
}

// verifySignature checks "t=<unix>,s=<hex hmac-sha256 of t.body>".
func (c *Client) verifySignature(value string, body []byte) error {
	var ts, sig string
	for _, part := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "s":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return repository.ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return repository.ErrInvalidSignature
	}
	if age := c.now().Sub(time.Unix(unix, 0)); age > c.conf.WebhookTolerance || age < -c.conf.WebhookTolerance {
		return repository.ErrInvalidSignature
	}
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return repository.ErrInvalidSignature
	}
	if !hmac.Equal(expected, sign(c.conf.WebhookSecret, ts, body)) {
		return repository.ErrInvalidSignature
	}
	return nil
}

func sign(secret, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

var _ repository.IWebhookReceiver = (*Client)(nil)
