package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/chunkstream/chunkstream/internal/cli/prompt"
	"github.com/chunkstream/chunkstream/pkg/chunkproc"
	"github.com/chunkstream/chunkstream/pkg/config"
	"github.com/chunkstream/chunkstream/pkg/crc"
)

var (
	uploadFile     string
	uploadClientID string
	uploadChunkKB  int
	uploadRateKB   int64
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Drive a local file through the upload core interactively",
	Long: `upload is a direct-to-orchestrator demo client: there is no HTTP
server in this core, so upload opens the configured state store and
content target itself and drives orchestrator.PrepareUpload /
SetUploadRate / Process / GetProgress against a local file, the way a real
HTTP handler would on behalf of a remote client. It does not call
VerifyCrcOfUncheckedPart.

With no --file given, upload prompts interactively for a path, a chunk
size, and an upload rate.`,
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().StringVar(&uploadFile, "file", "", "Local file to upload (prompted for if omitted)")
	uploadCmd.Flags().StringVar(&uploadClientID, "client-id", "demo-client", "Client identifier to upload as")
	uploadCmd.Flags().IntVar(&uploadChunkKB, "chunk-size-kb", 0, "Chunk size in KB (prompted for if omitted)")
	uploadCmd.Flags().Int64Var(&uploadRateKB, "rate-kb", 0, "Per-upload rate override in KB/s (0 uses the limiter default)")
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	path := uploadFile
	if path == "" {
		path, err = prompt.InputRequired("Local file path")
		if err != nil {
			return abortOrErr(err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	chunkKB := uploadChunkKB
	if chunkKB <= 0 {
		chunkKB, err = prompt.InputInt("Chunk size (KB)", 256)
		if err != nil {
			return abortOrErr(err)
		}
	}
	chunkSize := int64(chunkKB) << 10
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}

	rateKB := uploadRateKB
	if !cmd.Flags().Changed("rate-kb") {
		rateKB, err = int64Prompt("Upload rate override (KB/s, 0 for default)", 0)
		if err != nil {
			return abortOrErr(err)
		}
	}

	ctx := context.Background()
	st, err := buildStack(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to wire upload core: %w", err)
	}
	defer func() { _ = st.close() }()

	st.registry.Start(ctx, cfg.Registry.SweepInterval)
	defer st.registry.Stop(cfg.ShutdownTimeout)
	st.limiter.Start(ctx)
	defer st.limiter.Stop(cfg.ShutdownTimeout)

	fileID, err := st.orchestrator.PrepareUpload(ctx, uploadClientID, filenameOf(path), info.Size())
	if err != nil {
		return fmt.Errorf("prepare upload: %w", err)
	}
	fmt.Printf("Prepared upload %s (%d bytes)\n", fileID, info.Size())

	if rateKB > 0 {
		if err := st.orchestrator.SetUploadRate(ctx, fileID, rateKB); err != nil {
			return fmt.Errorf("set upload rate: %w", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sent := int64(0)
	buf := make([]byte, chunkSize)
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			chunk := buf[:n]
			result, err := crc.Buffered(bytes.NewReader(chunk), int(chunkSize))
			if err != nil {
				return fmt.Errorf("crc chunk: %w", err)
			}

			if err := sendChunk(ctx, st, fileID, result.DigestHex, chunk); err != nil {
				return err
			}
			sent += int64(n)

			progress, _ := st.orchestrator.GetProgress(ctx, fileID)
			fmt.Printf("  sent %d/%d bytes (%.1f%%)\n", sent, info.Size(), progress)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read %s: %w", path, readErr)
		}
	}

	fmt.Println("Upload complete.")
	return nil
}

// sendChunk runs one chunk through the processor and blocks until its
// listener reports an outcome.
func sendChunk(ctx context.Context, st *stack, fileID, declaredCrcHex string, chunk []byte) error {
	done := make(chan error, 1)
	st.orchestrator.Process(ctx, fileID, declaredCrcHex, bytes.NewReader(chunk), chunkListenerFunc{
		onSuccess: func() { done <- nil },
		onError:   func(cause error) { done <- cause },
	})
	return <-done
}

// chunkListenerFunc adapts two closures to chunkproc.Listener.
type chunkListenerFunc struct {
	onSuccess func()
	onError   func(error)
}

func (l chunkListenerFunc) Success()          { l.onSuccess() }
func (l chunkListenerFunc) Error(cause error) { l.onError(cause) }

var _ chunkproc.Listener = chunkListenerFunc{}

func filenameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func abortOrErr(err error) error {
	if prompt.IsAborted(err) {
		return fmt.Errorf("aborted")
	}
	return err
}

// int64Prompt prompts for an integer and returns it as an int64.
func int64Prompt(label string, defaultValue int64) (int64, error) {
	v, err := prompt.InputInt(label, int(defaultValue))
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}
