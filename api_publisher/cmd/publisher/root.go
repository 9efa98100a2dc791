package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"curator/api_publisher/internal/queue"
	"curator/api_publisher/internal/streams"
	"curator/pkg/config"
	"curator/pkg/logging"
)

const defaultStreamsFile = "config/streams.yaml"

var (
	streamsFile string
	streamID    string
)

// NewRootCmd returns the publisher command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "publisher",
		Short:         "Publish and manage the content queue for a stream",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&streamsFile, "streams", "", "streams file (default $CURATOR_STREAMS_FILE or "+defaultStreamsFile+")")
	rootCmd.PersistentFlags().StringVar(&streamID, "stream", "", "stream id (default $CURATOR_STREAM or the file's default)")

	rootCmd.AddCommand(newPublishCmd())
	rootCmd.AddCommand(newEnqueueCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newNextSlotCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// env carries what every subcommand needs.
type env struct {
	logger logging.Logger
	stream *streams.Stream
	store  *queue.FileStore
}

func setup(cmd *cobra.Command) (*env, error) {
	logger := logging.NewScriptLogger(cmd.OutOrStdout())
	config.LoadEnv(logger, "")

	path := streamsFile
	if path == "" {
		path = config.GetEnv("CURATOR_STREAMS_FILE", defaultStreamsFile)
	}
	id := streamID
	if id == "" {
		id = config.GetEnv("CURATOR_STREAM", "")
	}

	file, err := streams.Load(path)
	if err != nil {
		return nil, err
	}
	stream, err := file.Get(id)
	if err != nil {
		return nil, err
	}
	return &env{
		logger: logger,
		stream: stream,
		store:  queue.NewFileStore(stream.StorePath(), logger),
	}, nil
}

// dataDir is where process locks live: next to the post store.
func (e *env) dataDir() string {
	return filepath.Dir(e.stream.StorePath())
}
