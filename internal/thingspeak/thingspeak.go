package thingspeak

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"feedstore/internal/config"
	"feedstore/internal/model"

	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"
)

type (
	Client struct {
		http             *resty.Client
		feedsURL         string
		apiKey           string
		results          int
		temperatureField string
		humidityField    string
		logger           *log.Logger
	}

	feedsResponse struct {
		Channel struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"channel"`
		Feeds []map[string]json.RawMessage `json:"feeds"`
	}

	// FetchError is returned when the feed could not be retrieved or
	// interpreted. It never means "no data".
	FetchError struct {
		Op  string
		Err error
	}
)

func (e *FetchError) Error() string {
	return "thingspeak " + e.Op + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func New(cfg config.ThingSpeakConfig, logger *log.Logger) *Client {
	http := resty.New().
		SetTimeout(cfg.Timeout.Duration()).
		SetHeader("Accept", "application/json")

	return &Client{
		http:             http,
		feedsURL:         feedsURL(cfg.BaseURL, cfg.ChannelID),
		apiKey:           cfg.ReadAPIKey,
		results:          cfg.Results,
		temperatureField: cfg.TemperatureField,
		humidityField:    cfg.HumidityField,
		logger:           logger,
	}
}

func feedsURL(baseURL, channelID string) string {
	return strings.TrimRight(baseURL, "/") + "/channels/" + url.PathEscape(channelID) + "/feeds.json"
}

// Latest fetches the most recent feed entry and converts it into a Sample.
// When more than one result is requested the newest one is used. It returns
// nil, nil when the channel has no entries.
func (c *Client) Latest(ctx context.Context) (*model.Sample, error) {
	params := map[string]string{
		"results": strconv.Itoa(c.results),
	}
	if c.apiKey != "" {
		params["api_key"] = c.apiKey
	}

	c.logger.Debug("Get latest feed entry", "url", c.feedsURL)
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(c.feedsURL)
	if err != nil {
		return nil, &FetchError{Op: "request", Err: err}
	}

	if !resp.IsSuccess() {
		return nil, &FetchError{Op: "request", Err: fmt.Errorf("unexpected status %s", resp.Status())}
	}

	c.logger.Debug("Feed response", "body", string(resp.Body()))

	var response feedsResponse
	err = json.Unmarshal(resp.Body(), &response)
	if err != nil {
		return nil, &FetchError{Op: "decode", Err: err}
	}

	c.logger.Debug("Decoded feed", "channel", response.Channel.ID, "name", response.Channel.Name, "entries", len(response.Feeds))

	if len(response.Feeds) == 0 {
		return nil, nil
	}

	// feeds are ordered oldest first
	return c.sample(response.Feeds[len(response.Feeds)-1])
}

func (c *Client) sample(entry map[string]json.RawMessage) (*model.Sample, error) {
	temperature, err := number(entry[c.temperatureField])
	if err != nil {
		return nil, &FetchError{Op: "parse " + c.temperatureField, Err: err}
	}

	humidity, err := number(entry[c.humidityField])
	if err != nil {
		return nil, &FetchError{Op: "parse " + c.humidityField, Err: err}
	}

	sample := &model.Sample{
		Temperature: temperature,
		Humidity:    humidity,
	}

	if raw, ok := entry["entry_id"]; ok {
		if err := json.Unmarshal(raw, &sample.EntryID); err != nil {
			c.logger.Debug("Ignoring entry_id", "value", string(raw), "err", err)
		}
	}
	if raw, ok := entry["created_at"]; ok {
		var createdAt time.Time
		if err := json.Unmarshal(raw, &createdAt); err != nil {
			c.logger.Debug("Ignoring created_at", "value", string(raw), "err", err)
		} else {
			sample.CreatedAt = createdAt
		}
	}

	return sample, nil
}

// number coerces a feed field to float64. ThingSpeak sends field values as
// strings; a missing or null field reads as 0.
func number(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}

	switch raw[0] {
	case '"':
		var s string
		err := json.Unmarshal(raw, &s)
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	default:
		var f float64
		err := json.Unmarshal(raw, &f)
		if err != nil {
			return 0, errors.New("field value is neither a number nor a numeric string: " + string(raw))
		}
		return f, nil
	}
}
