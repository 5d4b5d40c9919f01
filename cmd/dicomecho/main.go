// Command dicomecho verifies a DICOM peer with C-ECHO and optionally sends it files.
//
//	dicomecho -config client.toml [-address host:port] [file.dcm ...]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/caio-sobreiro/dicomulp/client"
	"github.com/caio-sobreiro/dicomulp/config"
	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/dimse"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
)

// job is one queued request and what to print for it.
type job struct {
	label string
	req   *dimse.Request
}

func buildJobs(files []string, echoes int) ([]job, error) {
	var jobs []job
	for i := 0; i < echoes; i++ {
		jobs = append(jobs, job{label: "C-ECHO", req: dimse.NewCEchoRequest()})
	}
	for _, path := range files {
		f, err := dicom.ReadFile(path, dicom.ReadOptions{})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		req := dimse.NewCStoreRequest(f.Dataset)
		if uid := f.Meta.GetString(dicom.TagMediaStorageSOPClassUID); uid != "" {
			req.Command.AffectedSOPClassUID = uid
		}
		if uid := f.Meta.GetString(dicom.TagMediaStorageSOPInstanceUID); uid != "" {
			req.Command.AffectedSOPInstanceUID = uid
		}
		jobs = append(jobs, job{label: "C-STORE " + path, req: req})
	}
	return jobs, nil
}

// run sends jobs on one association and prints a line per request. It reports whether
// every request succeeded.
func run(ctx context.Context, out io.Writer, address string, cfg client.Config, jobs []job) (bool, error) {
	c := client.New(address, cfg)
	for _, j := range jobs {
		c.AddRequest(j.req)
	}
	sendErr := c.Send(ctx)

	ok := sendErr == nil
	for _, j := range jobs {
		rsp, err := j.req.Wait(ctx)
		var derr *dicomerr.DIMSEError
		switch {
		case err == nil:
			fmt.Fprintf(out, "%s: status 0x%04X\n", j.label, rsp.Command.Status)
		case errors.As(err, &derr):
			ok = false
			fmt.Fprintf(out, "%s: status 0x%04X (failed)\n", j.label, derr.Status)
		default:
			ok = false
			fmt.Fprintf(out, "%s: %v\n", j.label, err)
		}
	}
	return ok, sendErr
}

func main() {
	configPath := flag.String("config", "", "Path to a TOML configuration file (optional)")
	address := flag.String("address", "", "Peer address, overriding the configuration")
	called := flag.String("called", "", "Called AE title, overriding the configuration")
	echoes := flag.Int("echo", 1, "Number of C-ECHO requests to send")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if *address != "" {
		cfg.Address = *address
	}
	if *called != "" {
		cfg.CalledAETitle = *called
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	jobs, err := buildJobs(flag.Args(), *echoes)
	if err != nil {
		logger.Error("Failed to read DICOM file", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ok, err := run(ctx, os.Stdout, cfg.Address, cfg.Client(logger), jobs)
	switch {
	case errors.Is(err, client.ErrNeverConnected):
		logger.Error("Could not connect", "address", cfg.Address, "error", err)
	case errors.Is(err, dicomerr.ErrAssociationRejected):
		logger.Error("Association rejected", "address", cfg.Address, "error", err)
	case err != nil:
		logger.Error("Association failed", "address", cfg.Address, "error", err)
	}
	if !ok {
		os.Exit(1)
	}
}
