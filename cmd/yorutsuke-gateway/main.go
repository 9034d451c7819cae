package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/yorutsuke/yorutsuke/gateway"
	"github.com/yorutsuke/yorutsuke/ocr"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/permit"
	"github.com/yorutsuke/yorutsuke/store/docstore"
	"github.com/yorutsuke/yorutsuke/store/object"
)

const iniFilename = "yorutsuke.ini"

// Config is the top-level configuration object of the gateway.
var Config = new(struct {
	Gateway struct {
		Port              uint16 `long:"port" env:"PORT" default:"8080" description:"Port to serve HTTP on"`
		Bucket            string `long:"bucket" env:"BUCKET" required:"true" description:"Receipt bucket"`
		StorageUri        string `long:"storage-uri" env:"STORAGE_URI" description:"Vendor-addressable URI prefix of the bucket, e.g. s3://bucket"`
		TransactionsTable string `long:"transactions-table" env:"TRANSACTIONS_TABLE" required:"true" description:"Transactions table"`
		QuotaTable        string `long:"quota-table" env:"QUOTA_TABLE" required:"true" description:"Legacy quota counter table"`
		JobsTable         string `long:"jobs-table" env:"JOBS_TABLE" required:"true" description:"OCR batch job table"`
		ControlTable      string `long:"control-table" env:"CONTROL_TABLE" required:"true" description:"Control record table"`
		ModelId           string `long:"model-id" env:"MODEL_ID" required:"true" description:"Vision model identifier"`
		PermitSecretARN   string `long:"permit-secret-arn" env:"PERMIT_SECRET_ARN" required:"true" description:"Secrets Manager ARN of the permit signing keys"`
		Region            string `long:"region" env:"AWS_REGION" description:"AWS region"`
	} `group:"Gateway" namespace:"gateway" env-namespace:"GATEWAY"`

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
	}).Info("gateway configuration")

	var ctx = context.Background()
	var opts []func(*awsconfig.LoadOptions) error
	if Config.Gateway.Region != "" {
		opts = append(opts, awsconfig.WithRegion(Config.Gateway.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	mbp.Must(err, "loading AWS configuration")

	keyring, err := permit.LoadKeyring(ctx,
		secretsmanager.NewFromConfig(awsCfg), Config.Gateway.PermitSecretARN)
	mbp.Must(err, "loading permit keyring")

	var (
		objects = object.NewS3Store(s3.NewFromConfig(awsCfg), Config.Gateway.Bucket)
		ddb     = dynamodb.NewFromConfig(awsCfg)
		txns    = docstore.NewDynamoTransactions(ddb, Config.Gateway.TransactionsTable)
		jobs    = docstore.NewDynamoBatchJobs(ddb, Config.Gateway.JobsTable)
		quotas  = docstore.NewDynamoQuotaCounters(ddb, Config.Gateway.QuotaTable)
		control = docstore.NewDynamoControl(ddb, Config.Gateway.ControlTable)
	)

	// Refuse to start if the control table cannot be read: the emergency
	// stop must be enforceable.
	if _, err = control.Get(ctx); err != nil && err != docstore.ErrNotFound {
		mbp.Must(err, "reading control record")
	}

	var publisher = ops.NewLocalPublisher()
	var vision = &ocr.BedrockVision{
		Client:  bedrockruntime.NewFromConfig(awsCfg),
		ModelId: Config.Gateway.ModelId,
	}
	var orchestrator = &ocr.Orchestrator{
		Jobs:       jobs,
		Objects:    objects,
		Submitter:  vision,
		Merchants:  ocr.NewMerchants(objects),
		Publisher:  publisher,
		StorageUri: Config.Gateway.StorageUri,
		Now:        time.Now,
	}
	var server = &gateway.Server{
		Keyring:   keyring,
		Issuer:    &permit.Issuer{Keyring: keyring, Now: time.Now},
		Objects:   objects,
		Presigner: objects,
		Txns:      txns,
		Jobs:      jobs,
		Quotas:    quotas,
		Control:   control,
		Batches:   orchestrator,
		Publisher: publisher,
		Now:       time.Now,
	}

	var httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", Config.Gateway.Port),
		Handler: server.Handler(),
	}
	var tasks = task.NewGroup(context.Background())
	var signalCh = make(chan os.Signal, 1)

	tasks.Queue("gateway.Serve", func() error {
		log.WithField("addr", httpServer.Addr).Info("starting gateway")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")

			var timeout, cancel = context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(timeout)
			tasks.Cancel()
			return nil

		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	mbp.Must(tasks.Wait(), "gateway task failed")
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the receipt gateway", `
Serve the receipt gateway with the provided configuration, until signaled
to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
