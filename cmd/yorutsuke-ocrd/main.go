package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ocr"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/store/docstore"
	"github.com/yorutsuke/yorutsuke/store/object"
)

const iniFilename = "yorutsuke.ini"

// Config is the top-level configuration object of the OCR worker.
var Config = new(struct {
	Ocrd struct {
		Bucket            string        `long:"bucket" env:"BUCKET" required:"true" description:"Receipt bucket"`
		TransactionsTable string        `long:"transactions-table" env:"TRANSACTIONS_TABLE" required:"true" description:"Transactions table"`
		JobsTable         string        `long:"jobs-table" env:"JOBS_TABLE" required:"true" description:"OCR batch job table"`
		ModelId           string        `long:"model-id" env:"MODEL_ID" required:"true" description:"Vision model identifier"`
		Region            string        `long:"region" env:"AWS_REGION" description:"AWS region"`
		PollInterval      time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"30s" description:"Object and job scan interval"`
		Instant           bool          `long:"instant" env:"INSTANT" description:"Process uploads instantly instead of leaving them for batches"`
	} `group:"Ocrd" namespace:"ocrd" env-namespace:"OCRD"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("ocrd configuration")

	var ctx = context.Background()
	var opts []func(*awsconfig.LoadOptions) error
	if Config.Ocrd.Region != "" {
		opts = append(opts, awsconfig.WithRegion(Config.Ocrd.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	mbp.Must(err, "loading AWS configuration")

	var (
		objects   = object.NewS3Store(s3.NewFromConfig(awsCfg), Config.Ocrd.Bucket)
		ddb       = dynamodb.NewFromConfig(awsCfg)
		txns      = docstore.NewDynamoTransactions(ddb, Config.Ocrd.TransactionsTable)
		jobs      = docstore.NewDynamoBatchJobs(ddb, Config.Ocrd.JobsTable)
		publisher = ops.NewLocalPublisher()
	)
	var vision = &ocr.BedrockVision{
		Client:  bedrockruntime.NewFromConfig(awsCfg),
		ModelId: Config.Ocrd.ModelId,
	}
	var instant = &ocr.InstantProcessor{
		Objects:   objects,
		Txns:      txns,
		Vision:    vision,
		Merchants: ocr.NewMerchants(objects),
		Publisher: publisher,
		Now:       time.Now,
	}
	var results = &ocr.ResultHandler{
		Objects:   objects,
		Txns:      txns,
		Jobs:      jobs,
		Publisher: publisher,
		Now:       time.Now,
	}

	var tasks = task.NewGroup(context.Background())
	var signalCh = make(chan os.Signal, 1)

	if Config.Ocrd.Instant {
		tasks.Queue("scan.uploads", func() error {
			return pollLoop(tasks.Context(), Config.Ocrd.PollInterval, func(ctx context.Context) {
				scanUploads(ctx, objects, instant)
			})
		})
	}
	tasks.Queue("scan.results", func() error {
		return pollLoop(tasks.Context(), Config.Ocrd.PollInterval, func(ctx context.Context) {
			scanResults(ctx, objects, jobs, results)
		})
	})

	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	mbp.Must(tasks.Wait(), "ocrd task failed")
	log.Info("goodbye")
	return nil
}

func pollLoop(ctx context.Context, interval time.Duration, scan func(context.Context)) error {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			scan(ctx)
		}
	}
}

// scanUploads processes every object still under uploads/. Processing
// is idempotent, so rescanning an object already handled is harmless.
func scanUploads(ctx context.Context, objects object.Store, instant *ocr.InstantProcessor) {
	var keys, err = objects.List(ctx, "uploads/")
	if err != nil {
		log.WithField("err", err).Warn("listing uploads failed")
		return
	}
	for _, key := range keys {
		if err = instant.HandleObjectCreated(ctx, key); err != nil {
			log.WithFields(log.Fields{"key": key, "err": err}).Warn("instant processing failed")
		}
	}
}

// scanResults ingests vendor output files of jobs still in SUBMITTED.
func scanResults(ctx context.Context, objects object.Store, jobs docstore.BatchJobs, results *ocr.ResultHandler) {
	var keys, err = objects.List(ctx, "batch-output/")
	if err != nil {
		log.WithField("err", err).Warn("listing batch output failed")
		return
	}
	for _, key := range keys {
		var parts = strings.Split(key, "/")
		if len(parts) != 3 || parts[2] != "output.jsonl" {
			continue
		}
		var jobId = ids.JobId(parts[1])

		job, err := jobs.GetByJobId(ctx, jobId)
		if err == docstore.ErrNotFound {
			continue
		} else if err != nil {
			log.WithFields(log.Fields{"jobId": jobId, "err": err}).Warn("resolving job failed")
			continue
		}
		if job.Status.Terminal() {
			continue
		}

		ingested, err := results.HandleJobCompleted(ctx, jobId)
		if err != nil {
			log.WithFields(log.Fields{"jobId": jobId, "err": err}).Warn("result ingestion failed")
			continue
		}
		log.WithFields(log.Fields{
			"jobId":       jobId,
			"accepted":    ingested.Accepted,
			"needsReview": ingested.NeedsReview,
			"duplicates":  ingested.Duplicates,
			"rejected":    ingested.Rejected,
			"deadLetters": ingested.DeadLetters,
		}).Info("ingested batch results")
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the OCR worker", `
Serve the OCR worker with the provided configuration, until signaled to
exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
