package controller

import (
	"encoding/base64"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"k8s.io/klog"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/config"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/model"
)

type SubscriberController interface {
	PushSnapshot(s *model.IndexSnapshot) error
}

type SimplifiedHTTPClient interface {
	Post(url, contentType string, body io.Reader) (resp *http.Response, err error)
}

type HTTPSubscriberController struct {
	SubscriberURLs []string
	SharedSecret   []byte
	Client         SimplifiedHTTPClient
	TokenLifetime  int
}

func NewHTTPSubscriberController(cfg config.Subscribers) (*HTTPSubscriberController, error) {
	subscriberURLs := make([]string, len(cfg.Subscribers))
	for i, subscriber := range cfg.Subscribers {
		if subscriber.URL == "" {
			return nil, fmt.Errorf("subscriber %d has unset url", i+1)
		}
		if !strings.HasPrefix(subscriber.URL, "http://") && !strings.HasPrefix(subscriber.URL, "https://") {
			return nil, fmt.Errorf("subscribers must have HTTP(S) url. offending subscriber %d: %s", i+1, subscriber.URL)
		}
		subscriberURLs[i] = strings.TrimSuffix(subscriber.URL, "/")
	}

	var sharedSecret []byte
	if len(subscriberURLs) > 0 {
		if cfg.SharedSecret == "" {
			return nil, fmt.Errorf("shared-secret must not be empty")
		}

		var err error
		sharedSecret, err = base64.StdEncoding.DecodeString(cfg.SharedSecret)
		if err != nil {
			return nil, fmt.Errorf("shared-secret must be valid base64: %s", err.Error())
		}

		if len(sharedSecret) < 12 {
			return nil, fmt.Errorf("shared-secret must have at least 12 bytes (got %d)", len(sharedSecret))
		}
	}

	tokenLifetime := cfg.TokenLifetime
	if tokenLifetime == 0 {
		tokenLifetime = 15
	}

	if tokenLifetime < 0 || tokenLifetime > 120 {
		return nil, fmt.Errorf("token-lifetime must be between 1 and 120 (got %d)", tokenLifetime)
	}

	return &HTTPSubscriberController{
		SubscriberURLs: subscriberURLs,
		SharedSecret:   sharedSecret,
		Client:         &http.Client{Timeout: 10 * time.Second},
		TokenLifetime:  tokenLifetime,
	}, nil
}

func (c *HTTPSubscriberController) GenerateToken(s *model.IndexSnapshot) (string, error) {
	claims := &model.SnapshotClaim{
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(time.Duration(c.TokenLifetime) * time.Second).Unix(),
		},
		Snapshot: *s,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.SharedSecret)
}

func (c *HTTPSubscriberController) PushSnapshot(s *model.IndexSnapshot) error {
	if len(c.SubscriberURLs) == 0 {
		klog.V(4).Infof("no subscribers configured, not pushing snapshot")
		return nil
	}

	errors := []error{}

	token, err := c.GenerateToken(s)
	if err != nil {
		return err
	}

	for _, subscriberURL := range c.SubscriberURLs {
		fullURL := fmt.Sprintf("%s/v1/snapshot", subscriberURL)
		buf := strings.NewReader(token)
		resp, err := c.Client.Post(fullURL, "application/jwt", buf)
		if err != nil {
			errors = append(errors, err)
			continue
		}
		if resp.Body != nil {
			resp.Body.Close()
		}
		if resp.StatusCode != 200 {
			errors = append(errors, fmt.Errorf(
				"failed to push snapshot to subscriber %q: HTTP status %d",
				fullURL,
				resp.StatusCode))
			continue
		}
		klog.V(3).Infof("pushed snapshot with %d pods to %s", len(s.Pods), fullURL)
	}

	switch len(errors) {
	case 0:
		return nil
	case 1:
		return errors[0]
	default:
		msg := &strings.Builder{}
		msg.WriteString("multiple errors while pushing snapshot:\n")
		for _, err := range errors {
			msg.WriteString(err.Error())
			msg.WriteString("\n")
		}
		return goerrors.New(msg.String())
	}
}
