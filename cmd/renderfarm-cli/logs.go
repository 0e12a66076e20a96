package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/lambda-renderfarm/internal/lambdaboot"
	"github.com/fpang/lambda-renderfarm/internal/logging"
	"github.com/fpang/lambda-renderfarm/internal/logsref"
)

var (
	logsFunctionFlag string
	logsLimitFlag    int32
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the tail of the worker function's most recent log stream",
	Run:   runLogs,
}

func init() {
	logsCmd.Flags().StringVar(&logsFunctionFlag, "function", "", "Worker function name (default: resolved from SSM)")
	logsCmd.Flags().Int32Var(&logsLimitFlag, "limit", 50, "Maximum log events to print")
}

func runLogs(cmd *cobra.Command, args []string) {
	logging.Init()
	ctx := context.Background()

	cfg := lambdaboot.InitAWS(ctx)

	functionName := logsFunctionFlag
	if functionName == "" {
		var err error
		functionName, err = lambdaboot.ResolveWorkerFunction(ctx, ssm.NewFromConfig(cfg))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to resolve worker function name")
		}
	}

	logGroup := "/aws/lambda/" + functionName
	lines, err := logsref.FetchTail(ctx, cloudwatchlogs.NewFromConfig(cfg), logGroup, logsLimitFlag)
	if err != nil {
		log.Fatal().Err(err).Str("logGroup", logGroup).Msg("Failed to fetch log tail")
	}

	for _, line := range lines {
		fmt.Print(line)
		if len(line) == 0 || line[len(line)-1] != '\n' {
			fmt.Println()
		}
	}
}
