package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caio-sobreiro/dicomulp/config"
	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/imaging"
	"github.com/caio-sobreiro/dicomulp/server"
	"github.com/caio-sobreiro/dicomulp/storage"
	"github.com/caio-sobreiro/dicomulp/types"
)

// loadDicomFile stores a Part 10 file.
func loadDicomFile(ctx context.Context, store *storage.Store, path string) error {
	f, err := dicom.ReadFile(path, dicom.ReadOptions{ReadAll: true})
	if err != nil {
		return err
	}
	sopClass := f.Meta.GetString(dicom.TagMediaStorageSOPClassUID)
	sopInstance := f.Meta.GetString(dicom.TagMediaStorageSOPInstanceUID)
	if sopInstance == "" {
		sopClass = f.Dataset.GetString(dicom.TagSOPClassUID)
		sopInstance = f.Dataset.GetString(dicom.TagSOPInstanceUID)
	}
	ts := f.TransferSyntax().UID
	if err := store.Put(ctx, sopClass, sopInstance, ts, f.Dataset); err != nil {
		return err
	}
	slog.Info("Loaded DICOM instance",
		"file", path,
		"sop_class", sopClass,
		"sop_instance", sopInstance,
		"transfer_syntax", ts)
	return nil
}

// syntheticInstance builds a small monochrome CT image.
func syntheticInstance(sopInstanceUID, studyUID, seriesUID string, number int) *dicom.Dataset {
	const rows, columns = 64, 64

	ds := dicom.NewDataset()
	ds.TransferSyntax = types.ExplicitVRLittleEndian
	ds.SetString(dicom.TagSOPClassUID, dicom.VR_UI, types.CTImageStorage)
	ds.SetString(dicom.TagSOPInstanceUID, dicom.VR_UI, sopInstanceUID)
	ds.SetString(dicom.TagStudyDate, dicom.VR_DA, "20250109")
	ds.SetString(dicom.TagStudyTime, dicom.VR_TM, "120000")
	ds.SetString(dicom.TagModality, dicom.VR_CS, "CT")
	ds.SetString(dicom.TagPatientName, dicom.VR_PN, "TEST^PATIENT")
	ds.SetString(dicom.TagPatientID, dicom.VR_LO, "12345")
	ds.SetString(dicom.TagStudyInstanceUID, dicom.VR_UI, studyUID)
	ds.SetString(dicom.TagSeriesInstanceUID, dicom.VR_UI, seriesUID)
	ds.SetString(dicom.TagInstanceNumber, dicom.VR_IS, fmt.Sprint(number))
	ds.SetUint16(dicom.TagSamplesPerPixel, dicom.VR_US, 1)
	ds.SetString(dicom.TagPhotometricInterpretation, dicom.VR_CS, "MONOCHROME2")
	ds.SetUint16(dicom.TagRows, dicom.VR_US, rows)
	ds.SetUint16(dicom.TagColumns, dicom.VR_US, columns)
	ds.SetUint16(dicom.TagBitsAllocated, dicom.VR_US, 16)
	ds.SetUint16(dicom.TagBitsStored, dicom.VR_US, 12)
	ds.SetUint16(dicom.TagHighBit, dicom.VR_US, 11)
	ds.SetUint16(dicom.TagPixelRepresentation, dicom.VR_US, 0)

	// Horizontal gradient; rows repeat so RLE has runs to find.
	pixels := make([]byte, rows*columns*2)
	for i := 0; i < rows*columns; i++ {
		v := uint16(i%columns) * 64
		pixels[2*i] = byte(v)
		pixels[2*i+1] = byte(v >> 8)
	}
	ds.SetBytes(dicom.TagPixelData, dicom.VR_OW, pixels)
	return ds
}

func generateSynthetic(ctx context.Context, store *storage.Store, count int) error {
	studyUID := "1.2.840.999.999.1.1.1.1"
	seriesUID := "1.2.840.999.999.1.1.1.1.1"
	for i := 1; i <= count; i++ {
		uid := fmt.Sprintf("%s.%d", seriesUID, i)
		if err := store.Put(ctx, types.CTImageStorage, uid, types.ExplicitVRLittleEndian, syntheticInstance(uid, studyUID, seriesUID, i)); err != nil {
			return fmt.Errorf("synthetic instance %d: %w", i, err)
		}
		slog.Info("Generated synthetic DICOM instance", "sop_instance", uid, "study_uid", studyUID, "series_uid", seriesUID)
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "Path to a TOML configuration file (optional)")
	dicomFiles := flag.String("dicom", "", "Comma-separated DICOM files to preload (optional)")
	synthetic := flag.Int("synthetic", 0, "Number of synthetic instances to preload")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := cfg.Log.Logger(os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	codec, err := storage.CodecByName(cfg.Storage.Codec)
	if err != nil {
		logger.Error("Invalid storage codec", "error", err, "available", storage.CodecNames())
		os.Exit(1)
	}
	store, err := storage.Open(storage.Options{Dir: cfg.Storage.Dir, Codec: codec, Logger: logger})
	if err != nil {
		logger.Error("Failed to open instance store", "error", err)
		os.Exit(1)
	}

	if *synthetic > 0 {
		if err := generateSynthetic(ctx, store, *synthetic); err != nil {
			logger.Error("Failed to generate synthetic instances", "error", err)
			os.Exit(1)
		}
	}
	if *dicomFiles != "" {
		for _, path := range strings.Split(*dicomFiles, ",") {
			if err := loadDicomFile(ctx, store, strings.TrimSpace(path)); err != nil {
				logger.Error("Failed to load DICOM file", "error", err, "file", path)
				os.Exit(1)
			}
		}
	}

	provider := newArchive(cfg.AETitle, store, cfg.Destinations, logger)
	opts := append(cfg.Options(logger),
		server.WithAcceptPolicy(acceptPolicy()),
		server.WithCodecs(imaging.Default()),
	)

	logger.Info("Starting sample server",
		"ae_title", cfg.AETitle,
		"address", cfg.Address(),
		"storage_dir", cfg.Storage.Dir,
		"codec", codec.Name())

	err = server.ListenAndServe(ctx, cfg.Address(), cfg.AETitle, provider, opts...)
	switch {
	case err == nil:
		logger.Info("Sample server shutdown complete")
	case errors.Is(err, context.Canceled):
		logger.Info("Sample server stopped", "reason", err.Error())
	default:
		logger.Error("Sample server terminated unexpectedly", "error", err)
		os.Exit(1)
	}
}
