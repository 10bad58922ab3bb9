package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		res  FetchResult
		want Outcome
	}{
		{"ok", FetchResult{StatusCode: 200}, OutcomeSucceeded},
		{"no content", FetchResult{StatusCode: 204}, OutcomeSucceeded},
		{"server error", FetchResult{StatusCode: 503, Err: StatusError(503)}, OutcomeRetryable},
		{"too many requests", FetchResult{StatusCode: 429, Err: StatusError(429)}, OutcomeRetryable},
		{"not found", FetchResult{StatusCode: 404, Err: StatusError(404)}, OutcomePermanent},
		{"forbidden", FetchResult{StatusCode: 403, Err: StatusError(403)}, OutcomePermanent},
		{"redirect left over", FetchResult{StatusCode: 302, Err: StatusError(302)}, OutcomePermanent},
		{"timeout", FetchResult{Err: NewFetchError(KindTimeout, errors.New("deadline"))}, OutcomeRetryable},
		{"connection", FetchResult{Err: NewFetchError(KindConnection, errors.New("refused"))}, OutcomeRetryable},
		{"read", FetchResult{StatusCode: 200, Err: NewFetchError(KindRead, errors.New("reset"))}, OutcomeRetryable},
		{"too large", FetchResult{StatusCode: 200, Err: NewFetchError(KindContentTooLarge, nil)}, OutcomePermanent},
		{"status without error", FetchResult{StatusCode: 500}, OutcomeRetryable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.res))
		})
	}

	require.Equal(t, ClassNetworkTransient, ClassOf(OutcomeRetryable))
	require.Equal(t, ClassNetworkPermanent, ClassOf(OutcomePermanent))
	require.Equal(t, ErrorClass(""), ClassOf(OutcomeSucceeded))
}

func TestFetchErrorFormatting(t *testing.T) {
	t.Parallel()

	require.Equal(t, "HTTPStatus(503)", StatusError(503).Error())
	require.Equal(t, "ContentTooLarge", NewFetchError(KindContentTooLarge, nil).Error())

	base := errors.New("dial tcp: refused")
	var err error = NewFetchError(KindConnection, base)
	require.ErrorIs(t, err, base)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, KindConnection, fe.Kind)
}

func TestRecordFromDocument(t *testing.T) {
	t.Parallel()

	rec := RecordFromDocument(ResultDocument{
		URL: "http://example.com/", Depth: 2, StatusCode: 503, ErrorClass: ClassNetworkTransient,
		ContentType: "text/html", Size: 10, FinalURL: "http://example.com/",
	})
	require.True(t, rec.Crawled)
	require.Equal(t, "NetworkTransient", rec.Metadata.Error)
	require.Equal(t, 2, rec.Depth)

	blocked := RecordFromDocument(ResultDocument{URL: "http://example.com/private", ErrorClass: ClassRobotsBlocked})
	require.False(t, blocked.Crawled)
	require.False(t, blocked.Metadata.Success)
}
