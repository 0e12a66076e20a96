// Package logsref builds CloudWatch Logs diagnostic references for failed
// worker invocations and fetches log tails for post-mortem from the CLI.
package logsref

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/rs/zerolog/log"
)

// Ref points at the logs explaining a remote failure: the worker's log group,
// its region, and a Logs Insights query scoped to the error.
type Ref struct {
	Region   string
	LogGroup string
	Query    string
}

func (r Ref) String() string {
	return fmt.Sprintf("region=%s logGroup=%s query=%q", r.Region, r.LogGroup, r.Query)
}

// ForInvocation builds a Ref for a remote error code reported by the given
// worker function.
func ForInvocation(region, functionName, errorCode string) Ref {
	return Ref{
		Region:   region,
		LogGroup: "/aws/lambda/" + functionName,
		Query: fmt.Sprintf(
			"fields @timestamp, @message | filter @message like %q | sort @timestamp desc | limit 50",
			errorCode,
		),
	}
}

// FetchTail returns the last events of the worker's most recently written log
// stream, newest last.
func FetchTail(ctx context.Context, client *cloudwatchlogs.Client, logGroup string, limit int32) ([]string, error) {
	streams, err := client.DescribeLogStreams(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName: aws.String(logGroup),
		OrderBy:      "LastEventTime",
		Descending:   aws.Bool(true),
		Limit:        aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("DescribeLogStreams %s: %w", logGroup, err)
	}
	if len(streams.LogStreams) == 0 {
		return nil, fmt.Errorf("log group %s has no streams", logGroup)
	}
	streamName := aws.ToString(streams.LogStreams[0].LogStreamName)
	log.Debug().Str("logGroup", logGroup).Str("stream", streamName).Msg("Fetching log tail")

	events, err := client.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(logGroup),
		LogStreamName: aws.String(streamName),
		Limit:         aws.Int32(limit),
		StartFromHead: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("GetLogEvents %s/%s: %w", logGroup, streamName, err)
	}

	lines := make([]string, 0, len(events.Events))
	for _, e := range events.Events {
		lines = append(lines, aws.ToString(e.Message))
	}
	return lines, nil
}
