// Package google lists calendar events through the Google Calendar v3 API.
package google

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"calsync/config"
	"calsync/internal/domain/entity"
	"calsync/internal/domain/service"
	"calsync/internal/errors"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const statusCancelled = "cancelled"

// CalendarClient implements service.CalendarProvider.
type CalendarClient struct {
	calendarID string
	endpoint   string
	logger     *slog.Logger
}

// NewCalendarClient creates a client for the configured calendar.
func NewCalendarClient(cfg *config.Config, logger *slog.Logger) service.CalendarProvider {
	return &CalendarClient{
		calendarID: cfg.GoogleCalendar.CalendarID,
		endpoint:   cfg.GoogleCalendar.Endpoint,
		logger:     logger,
	}
}

func (c *CalendarClient) newService(ctx context.Context, bearerToken string) (*calendar.Service, error) {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: bearerToken,
		TokenType:   "Bearer",
	}))

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create calendar service")
	}

	return svc, nil
}

// ListEvents fetches one page. A cursor query lists changes including deletions;
// a window query lists the expanded events between TimeMin and TimeMax.
func (c *CalendarClient) ListEvents(ctx context.Context, bearerToken string, query service.EventListQuery) (*service.EventPage, error) {
	svc, err := c.newService(ctx, bearerToken)
	if err != nil {
		return nil, err
	}

	call := svc.Events.List(c.calendarID).Context(ctx).SingleEvents(true)
	if query.PageSize > 0 {
		call = call.MaxResults(query.PageSize)
	}
	if query.PageToken != "" {
		call = call.PageToken(query.PageToken)
	}

	if query.SyncCursor != "" {
		// The API rejects time bounds together with a sync token.
		call = call.SyncToken(query.SyncCursor).ShowDeleted(true)
	} else {
		call = call.TimeMin(query.TimeMin.Format(time.RFC3339)).TimeMax(query.TimeMax.Format(time.RFC3339))
	}

	events, err := call.Do()
	if err != nil {
		return nil, c.classify(ctx, err)
	}

	page := &service.EventPage{
		Events:         make([]*entity.RemoteEvent, 0, len(events.Items)),
		NextPageToken:  events.NextPageToken,
		NextSyncCursor: events.NextSyncToken,
	}
	for _, item := range events.Items {
		remote, err := toRemoteEvent(item)
		if err != nil {
			c.logger.Warn("Skipping calendar event with unparsable time",
				slog.String("event_id", item.Id),
				slog.Any("error", err),
			)

			continue
		}
		page.Events = append(page.Events, remote)
	}

	return page, nil
}

func (c *CalendarClient) classify(ctx context.Context, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusGone:
			return errors.Wrap(service.ErrCursorExpired, apiErr.Message)
		case apiErr.Code == http.StatusUnauthorized:
			return errors.Wrap(service.ErrProviderUnauthorized, apiErr.Message)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError:
			return errors.Wrapf(service.ErrUpstreamUnavailable, "calendar api status %d", apiErr.Code)
		default:
			return errors.Wrapf(err, "calendar api status %d", apiErr.Code)
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.WithStack(ctxErr)
	}

	return errors.Wrapf(service.ErrUpstreamUnavailable, "calendar api: %v", err)
}

func toRemoteEvent(item *calendar.Event) (*entity.RemoteEvent, error) {
	remote := &entity.RemoteEvent{
		ID:          item.Id,
		ETag:        item.Etag,
		Cancelled:   item.Status == statusCancelled,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
	}

	if len(item.Attendees) > 0 {
		count := len(item.Attendees)
		remote.AttendeeCount = &count
	}

	if remote.Cancelled {
		return remote, nil
	}

	if item.Start == nil || item.End == nil || item.Start.DateTime == "" || item.End.DateTime == "" {
		remote.AllDay = true

		return remote, nil
	}

	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	remote.Start = start.UTC()
	remote.End = end.UTC()

	return remote, nil
}
