package main

import (
	"context"
	"errors"
	"io/fs"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coordination/explorer/internal/jobs"
)

const (
	rootCommandUse              = "explorer"
	rootCommandShortDescription = "Submit coordination detection jobs and explore the resulting graph"
	submitCommandUse            = "submit"
	submitCommandShort          = "Submit a dataset or an example job and wait for its graph"
	attachCommandUse            = "attach JOB_ID"
	attachCommandShort          = "Follow an existing job until its graph is ready"
	serveCommandUse             = "serve"
	serveCommandShort           = "Serve the exploration API"
	examplesCommandUse          = "examples"
	examplesCommandShort        = "List the example jobs"
	downloadCommandUse          = "download JOB_ID"
	downloadCommandShort        = "Archive the result CSV of a finished job"
	envPrefix                   = "EXPLORER"
	envFileName                 = ".env"

	flagBaseURLName             = "base-url"
	flagBaseURLDescription      = "Root URL of the coordination detection service"
	flagPollIntervalName        = "poll-interval"
	flagPollIntervalDescription = "Interval between job status requests"
	flagHTTPTimeoutName         = "http-timeout"
	flagHTTPTimeoutDescription  = "Timeout for each request to the service"
	flagAnonymousName           = "anonymous"
	flagAnonymousDescription    = "Show pseudonyms instead of account names"
	flagCatalogName             = "catalog"
	flagCatalogDescription      = "YAML example catalog; the service catalog is used when empty"
	flagDebugName               = "debug"
	flagDebugDescription        = "Enable development logging"
	flagHostName                = "host"
	flagHostDescription         = "Host interface for the HTTP server"
	flagPortName                = "port"
	flagPortDescription         = "Port for the HTTP server"
	flagDatasetName             = "dataset"
	flagDatasetDescription      = "CSV dataset to upload"
	flagExampleName             = "example"
	flagExampleDescription      = "Label of the example job to run"
	flagExcludeName             = "exclude"
	flagExcludeDescription      = "Whitespace separated terms to exclude"
	flagHashtagsName            = "hashtags"
	flagHashtagsDescription     = "Whitespace separated hashtags narrowing an example query"
	flagSpeedName               = "speed"
	flagSpeedDescription        = "Analysis speed option"
	flagServeName               = "serve"
	flagServeDescription        = "Serve the exploration API instead of exiting when the graph is ready"
	flagJobName                 = "job"
	flagJobDescription          = "Job to attach to when the server starts"
	flagArchiveDirName          = "archive-dir"
	flagArchiveDirDescription   = "Directory receiving result CSV files"
	flagS3BucketName            = "s3-bucket"
	flagS3BucketDescription     = "S3 bucket receiving result CSV files"
	flagS3PrefixName            = "s3-prefix"
	flagS3PrefixDescription     = "Key prefix inside the S3 bucket"
	flagS3RegionName            = "s3-region"
	flagS3RegionDescription     = "S3 region"
	flagS3EndpointName          = "s3-endpoint"
	flagS3EndpointDescription   = "Custom S3 endpoint for compatible stores"
	configKeyS3AccessKey        = "s3-access-key"
	configKeyS3SecretKey        = "s3-secret-key"

	defaultBaseURL      = "http://127.0.0.1:5000"
	defaultPollInterval = 5 * time.Second
	defaultHTTPTimeout  = 15 * time.Second
	defaultHost         = "127.0.0.1"
	defaultPort         = 8080
)

func main() {
	executionContext, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	cobra.CheckErr(newRootCommand(NewExplorerApplicationWithDependencies).ExecuteContext(executionContext))
}

// applicationFactory builds the application once flags and environment are resolved.
type applicationFactory func(ExplorerConfiguration, ExplorerDependencies) ExplorerApplication

func newRootCommand(buildApplication applicationFactory) *cobra.Command {
	configuration := viper.New()
	rootCommand := &cobra.Command{
		Use:          rootCommandUse,
		Short:        rootCommandShortDescription,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return configureEnvironment(configuration)
		},
	}

	persistentFlags := rootCommand.PersistentFlags()
	persistentFlags.String(flagBaseURLName, defaultBaseURL, flagBaseURLDescription)
	persistentFlags.Duration(flagPollIntervalName, defaultPollInterval, flagPollIntervalDescription)
	persistentFlags.Duration(flagHTTPTimeoutName, defaultHTTPTimeout, flagHTTPTimeoutDescription)
	persistentFlags.Bool(flagAnonymousName, true, flagAnonymousDescription)
	persistentFlags.String(flagCatalogName, "", flagCatalogDescription)
	persistentFlags.Bool(flagDebugName, false, flagDebugDescription)
	persistentFlags.String(flagHostName, defaultHost, flagHostDescription)
	persistentFlags.Int(flagPortName, defaultPort, flagPortDescription)
	for _, flagName := range []string{
		flagBaseURLName,
		flagPollIntervalName,
		flagHTTPTimeoutName,
		flagAnonymousName,
		flagCatalogName,
		flagDebugName,
		flagHostName,
		flagPortName,
	} {
		bindFlagToViper(configuration, rootCommand, flagName)
	}

	application := func() ExplorerApplication {
		return buildApplication(resolveConfiguration(configuration), ExplorerDependencies{})
	}

	rootCommand.AddCommand(
		newSubmitCommand(application),
		newAttachCommand(application),
		newServeCommand(application),
		newExamplesCommand(application),
		newDownloadCommand(configuration, application),
	)
	return rootCommand
}

func newSubmitCommand(application func() ExplorerApplication) *cobra.Command {
	var options SubmitOptions
	command := &cobra.Command{
		Use:   submitCommandUse,
		Short: submitCommandShort,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			return application().Submit(command.Context(), options)
		},
	}
	command.Flags().StringVar(&options.DatasetPath, flagDatasetName, "", flagDatasetDescription)
	command.Flags().StringVar(&options.ExampleLabel, flagExampleName, "", flagExampleDescription)
	command.Flags().StringVar(&options.Exclusions, flagExcludeName, "", flagExcludeDescription)
	command.Flags().StringVar(&options.Hashtags, flagHashtagsName, "", flagHashtagsDescription)
	command.Flags().IntVar(&options.Speed, flagSpeedName, jobs.DefaultSpeed, flagSpeedDescription)
	command.Flags().BoolVar(&options.Serve, flagServeName, false, flagServeDescription)
	command.MarkFlagsMutuallyExclusive(flagDatasetName, flagExampleName)
	return command
}

func newAttachCommand(application func() ExplorerApplication) *cobra.Command {
	var serve bool
	command := &cobra.Command{
		Use:   attachCommandUse,
		Short: attachCommandShort,
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return application().Attach(command.Context(), arguments[0], serve)
		},
	}
	command.Flags().BoolVar(&serve, flagServeName, false, flagServeDescription)
	return command
}

func newServeCommand(application func() ExplorerApplication) *cobra.Command {
	var jobID string
	command := &cobra.Command{
		Use:   serveCommandUse,
		Short: serveCommandShort,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			return application().Serve(command.Context(), jobID)
		},
	}
	command.Flags().StringVar(&jobID, flagJobName, "", flagJobDescription)
	return command
}

func newExamplesCommand(application func() ExplorerApplication) *cobra.Command {
	return &cobra.Command{
		Use:   examplesCommandUse,
		Short: examplesCommandShort,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			return application().Examples(command.Context())
		},
	}
}

func newDownloadCommand(configuration *viper.Viper, application func() ExplorerApplication) *cobra.Command {
	command := &cobra.Command{
		Use:   downloadCommandUse,
		Short: downloadCommandShort,
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return application().Download(command.Context(), arguments[0])
		},
	}
	command.Flags().String(flagArchiveDirName, "", flagArchiveDirDescription)
	command.Flags().String(flagS3BucketName, "", flagS3BucketDescription)
	command.Flags().String(flagS3PrefixName, "", flagS3PrefixDescription)
	command.Flags().String(flagS3RegionName, "", flagS3RegionDescription)
	command.Flags().String(flagS3EndpointName, "", flagS3EndpointDescription)
	for _, flagName := range []string{
		flagArchiveDirName,
		flagS3BucketName,
		flagS3PrefixName,
		flagS3RegionName,
		flagS3EndpointName,
	} {
		bindFlagToViper(configuration, command, flagName)
	}
	return command
}

func bindFlagToViper(configuration *viper.Viper, command *cobra.Command, flagName string) {
	flag := command.Flags().Lookup(flagName)
	if flag == nil {
		flag = command.PersistentFlags().Lookup(flagName)
	}
	cobra.CheckErr(configuration.BindPFlag(flagName, flag))
}

// configureEnvironment loads an optional .env file and maps EXPLORER_* variables onto
// configuration keys.
func configureEnvironment(configuration *viper.Viper) error {
	if err := godotenv.Load(envFileName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	configuration.SetEnvPrefix(envPrefix)
	configuration.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	configuration.AutomaticEnv()
	return nil
}

func resolveConfiguration(configuration *viper.Viper) ExplorerConfiguration {
	return ExplorerConfiguration{
		BaseURL:          configuration.GetString(flagBaseURLName),
		PollInterval:     configuration.GetDuration(flagPollIntervalName),
		HTTPTimeout:      configuration.GetDuration(flagHTTPTimeoutName),
		Anonymous:        configuration.GetBool(flagAnonymousName),
		CatalogPath:      configuration.GetString(flagCatalogName),
		Debug:            configuration.GetBool(flagDebugName),
		Host:             configuration.GetString(flagHostName),
		Port:             configuration.GetInt(flagPortName),
		ArchiveDirectory: configuration.GetString(flagArchiveDirName),
		S3: S3Configuration{
			Bucket:    configuration.GetString(flagS3BucketName),
			Prefix:    configuration.GetString(flagS3PrefixName),
			Region:    configuration.GetString(flagS3RegionName),
			Endpoint:  configuration.GetString(flagS3EndpointName),
			AccessKey: configuration.GetString(configKeyS3AccessKey),
			SecretKey: configuration.GetString(configKeyS3SecretKey),
		},
	}
}
