package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ops"
	"github.com/yorutsuke/yorutsuke/permit"
	"github.com/yorutsuke/yorutsuke/receipt"
	"github.com/yorutsuke/yorutsuke/store/kvstore"
	"github.com/yorutsuke/yorutsuke/store/localdb"
	"github.com/yorutsuke/yorutsuke/txsync"
	"github.com/yorutsuke/yorutsuke/uploader"
)

const iniFilename = "yorutsuke.ini"

// probeInterval is how often the connectivity probe runs while serving.
const probeInterval = 30 * time.Second

// Config is the top-level configuration object of the device client.
var Config = new(struct {
	Client struct {
		DataDir    string `long:"data-dir" env:"DATA_DIR" description:"Device state directory (default ~/.yorutsuke)"`
		GatewayURL string `long:"gateway-url" env:"GATEWAY_URL" description:"Cloud gateway base URL"`
		UserId     string `long:"user-id" env:"USER_ID" required:"true" description:"Device user identity"`
		CaptureDir string `long:"capture-dir" env:"CAPTURE_DIR" description:"Directory watched for new captures while serving"`
		Mock       bool   `long:"mock" env:"MOCK" description:"Run against an embedded in-memory gateway"`
	} `group:"Client" namespace:"client" env-namespace:"CLIENT"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

// runtime bundles the device stores and engines a command works with.
type runtime struct {
	db      *localdb.DB
	cells   *kvstore.Store
	permits *permit.ClientStore
	queue   *uploader.Queue
	engine  *txsync.Engine
	monitor *txsync.Monitor
	user    ids.UserId
	gateway string
}

func openRuntime() (*runtime, error) {
	var gatewayURL = Config.Client.GatewayURL
	if Config.Client.Mock {
		var url, err = startMockGateway()
		if err != nil {
			return nil, err
		}
		gatewayURL = url
	} else if gatewayURL == "" {
		return nil, fmt.Errorf("either --client.gateway-url or --client.mock is required")
	}

	var dataDir = Config.Client.DataDir
	if dataDir == "" {
		var home, err = os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".yorutsuke")
	}
	var blobDir = filepath.Join(dataDir, "blobs")
	if err := os.MkdirAll(blobDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := localdb.Open(filepath.Join(dataDir, "local.db"))
	if err != nil {
		return nil, err
	}
	kvdb, err := sql.Open("sqlite3", filepath.Join(dataDir, "kv.db"))
	if err != nil {
		return nil, err
	}
	cells, err := kvstore.NewStore(kvdb)
	if err != nil {
		return nil, err
	}

	var (
		user      = ids.UserId(Config.Client.UserId)
		publisher = ops.NewLocalPublisher()
		permits   = permit.NewClientStore(cells, nil)
		api       = &uploader.GatewayClient{BaseURL: gatewayURL}
		remote    = &txsync.HTTPRemote{BaseURL: gatewayURL}
		monitor   = txsync.NewMonitor(true)
	)
	var queue = uploader.NewQueue(db, cells, permits, api,
		&receipt.CwebpCompressor{}, publisher, user, blobDir)
	var engine = txsync.NewEngine(db, cells, remote, monitor, queue, publisher, user)

	return &runtime{
		db:      db,
		cells:   cells,
		permits: permits,
		queue:   queue,
		engine:  engine,
		monitor: monitor,
		user:    user,
		gateway: gatewayURL,
	}, nil
}

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	mbp.InitLog(Config.Log)

	var rt, err = openRuntime()
	mbp.Must(err, "opening device stores")

	var tasks = task.NewGroup(context.Background())
	var signalCh = make(chan os.Signal, 1)

	tasks.Queue("uploader.Serve", func() error { return rt.queue.Serve(tasks.Context()) })
	tasks.Queue("txsync.Serve", func() error { return rt.engine.Serve(tasks.Context()) })
	tasks.Queue("connectivity.Probe", func() error {
		var ticker = time.NewTicker(probeInterval)
		defer ticker.Stop()
		for {
			rt.monitor.Set(probeGateway(tasks.Context(), rt.gateway))
			select {
			case <-tasks.Context().Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	if dir := Config.Client.CaptureDir; dir != "" {
		tasks.Queue("capture.Watch", func() error {
			return watchCaptures(tasks.Context(), dir, rt)
		})
	}

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

	mbp.Must(tasks.Wait(), "client task failed")
	log.Info("goodbye")
	return nil
}

// probeGateway reports whether the gateway answers a CORS preflight.
func probeGateway(ctx context.Context, baseURL string) bool {
	var probe, cancel = context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probe, http.MethodOptions,
		baseURL+"/presign", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// watchCaptures polls |dir| and enqueues every file dropped into it,
// removing the file once the queue owns a durable copy.
func watchCaptures(ctx context.Context, dir string, rt *runtime) error {
	var ticker = time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var entries, err = os.ReadDir(dir)
		if err != nil {
			log.WithFields(log.Fields{"dir": dir, "err": err}).Warn("reading capture directory failed")
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			var name = filepath.Join(dir, entry.Name())
			blob, err := os.ReadFile(name)
			if err != nil {
				log.WithFields(log.Fields{"file": name, "err": err}).Warn("reading capture failed")
				continue
			}
			id, err := rt.queue.Enqueue(ctx, blob, entry.Name())
			if err != nil {
				log.WithFields(log.Fields{"file": name, "err": err}).Warn("enqueueing capture failed")
				continue
			}
			if err = os.Remove(name); err != nil {
				log.WithFields(log.Fields{"file": name, "err": err}).Warn("removing consumed capture failed")
			}
			log.WithFields(log.Fields{"file": name, "imageId": id}).Info("enqueued capture")
		}
	}
}

type cmdEnqueue struct {
	Args struct {
		File string `positional-arg-name:"FILE" required:"true" description:"Capture to enqueue"`
	} `positional-args:"true"`
}

func (c cmdEnqueue) Execute(_ []string) error {
	mbp.InitLog(Config.Log)

	var rt, err = openRuntime()
	mbp.Must(err, "opening device stores")

	blob, err := os.ReadFile(c.Args.File)
	mbp.Must(err, "reading capture")

	id, err := rt.queue.Enqueue(context.Background(), blob, filepath.Base(c.Args.File))
	mbp.Must(err, "enqueueing capture")

	fmt.Println(id)
	return nil
}

type cmdPermit struct {
	ValidDays int `long:"valid-days" description:"Requested permit lifetime in days"`
}

func (c cmdPermit) Execute(_ []string) error {
	mbp.InitLog(Config.Log)

	var rt, err = openRuntime()
	mbp.Must(err, "opening device stores")

	// The field is omitted when the flag is unset, selecting the
	// gateway's default lifetime.
	body, err := json.Marshal(struct {
		UserId    ids.UserId `json:"userId"`
		ValidDays int        `json:"validDays,omitempty"`
	}{rt.user, c.ValidDays})
	mbp.Must(err, "encoding permit request")

	resp, err := http.Post(rt.gateway+"/permit", "application/json",
		bytes.NewReader(body))
	mbp.Must(err, "requesting permit")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		mbp.Must(fmt.Errorf("gateway answered %d", resp.StatusCode), "requesting permit")
	}

	var reply struct {
		Permit permit.Permit `json:"permit"`
	}
	mbp.Must(json.NewDecoder(resp.Body).Decode(&reply), "decoding permit")
	mbp.Must(rt.permits.StorePermit(reply.Permit), "storing permit")

	fmt.Printf("permit stored: tier=%s expires=%s\n", reply.Permit.Tier, reply.Permit.ExpiresAt)
	return nil
}

type cmdStatus struct{}

func (cmdStatus) Execute(_ []string) error {
	mbp.InitLog(Config.Log)

	var rt, err = openRuntime()
	mbp.Must(err, "opening device stores")

	queueStatus, err := rt.queue.Status()
	mbp.Must(err, "reading queue status")
	usage, err := rt.permits.CurrentUsage()
	mbp.Must(err, "reading permit usage")

	var counts = make(map[receipt.Status]int)
	for _, status := range []receipt.Status{
		receipt.StatusPending, receipt.StatusCompressed, receipt.StatusUploading,
		receipt.StatusRetrying, receipt.StatusUploaded, receipt.StatusFailed,
		receipt.StatusSkipped,
	} {
		rows, err := rt.db.ListImagesByStatus(status)
		mbp.Must(err, "listing images")
		if len(rows) != 0 {
			counts[status] = len(rows)
		}
	}
	syncStatus, syncError := rt.engine.Status()

	var out, _ = json.MarshalIndent(map[string]interface{}{
		"queue":     queueStatus,
		"images":    counts,
		"sync":      syncStatus,
		"syncError": syncError,
		"totalUsed": usage.TotalUsed,
	}, "", "  ")
	fmt.Println(string(out))
	return nil
}

type cmdSync struct{}

func (cmdSync) Execute(_ []string) error {
	mbp.InitLog(Config.Log)

	var rt, err = openRuntime()
	mbp.Must(err, "opening device stores")

	rt.monitor.Set(probeGateway(context.Background(), rt.gateway))
	result, err := rt.engine.FullSync(context.Background())
	mbp.Must(err, "syncing")

	var out, _ = json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return nil
}

type cmdRetry struct {
	Id string `long:"id" description:"Retry a single failed image"`
}

func (c cmdRetry) Execute(_ []string) error {
	mbp.InitLog(Config.Log)

	var rt, err = openRuntime()
	mbp.Must(err, "opening device stores")

	if c.Id != "" {
		mbp.Must(rt.queue.RetryImage(ids.ImageId(c.Id)), "retrying image")
		fmt.Println("1 image requeued")
		return nil
	}
	n, err := rt.queue.RetryAllFailed()
	mbp.Must(err, "retrying failed images")
	fmt.Printf("%d images requeued\n", n)
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Run the upload worker and sync engine", `
Run the device's upload worker and transaction sync engine until signaled
to exit (via SIGTERM).
`, &cmdServe{})
	_, _ = parser.AddCommand("enqueue", "Enqueue a capture for upload", `
Admit a captured receipt into the upload queue. The upload itself happens
under a running serve command.
`, &cmdEnqueue{})
	_, _ = parser.AddCommand("permit", "Fetch and store an upload permit", `
Request a signed upload permit from the gateway and store it on-device.
`, &cmdPermit{})
	_, _ = parser.AddCommand("status", "Show queue, sync, and quota state", `
Print the upload queue status, per-state image counts, sync engine state,
and observed permit usage.
`, &cmdStatus{})
	_, _ = parser.AddCommand("sync", "Run one full sync pass", `
Push dirty transactions and pull remote updates once.
`, &cmdSync{})
	_, _ = parser.AddCommand("retry", "Requeue failed uploads", `
Requeue failed uploads, either one image by id or all of them.
`, &cmdRetry{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
