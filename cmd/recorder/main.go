package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gordonklaus/portaudio"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/voicedeck/recording-sdk-go/pkg/recording"
)

var (
	configPath  string
	agentName   string
	eventID     string
	chatID      string
	language    string
	vadLevel    int
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "recorder",
		Short: "Recording session CLI",
		Long:  "A command-line interface for the recording session manager",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(doctorCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record and stream microphone audio",
		Long:  "Start a recording session and stream audio until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := recording.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if issues := cfg.Validate(); len(issues) > 0 {
				for _, issue := range issues {
					fmt.Fprintf(os.Stderr, "config: %s\n", issue)
				}
				return fmt.Errorf("invalid configuration")
			}

			log := recording.NewLogger(&recording.LogConfig{
				Level:  cfg.LogLevel,
				Pretty: true,
				Output: os.Stderr,
			})

			if metricsAddr != "" {
				go func() {
					http.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(metricsAddr, nil); err != nil {
						log.WithError(err).Warn("Metrics endpoint failed")
					}
				}()
			}

			mgr, err := recording.NewManager(recording.Deps{
				Config: cfg,
				Logger: log,
			})
			if err != nil {
				return err
			}
			defer mgr.Close()

			unsubscribe := mgr.Subscribe(func(s recording.State) {
				line := fmt.Sprintf("phase=%s", s.Phase)
				if s.Paused {
					line += " paused"
				}
				if s.TranscriptionPaused {
					line += " transcription-paused"
				}
				if s.Err != nil {
					line += fmt.Sprintf(" error=%s", s.Err.Code)
				}
				fmt.Println(line)
			})
			defer unsubscribe()

			sessionType := recording.SessionTypeNote
			if chatID != "" {
				sessionType = recording.SessionTypeChat
			}
			if serr := mgr.Start(recording.StartOptions{
				Type:                  sessionType,
				ChatID:                chatID,
				AgentName:             agentName,
				EventID:               eventID,
				TranscriptionLanguage: language,
				VADAggressiveness:     vadLevel,
			}); serr != nil {
				return serr
			}

			fmt.Println("Recording. Press Ctrl-C to stop.")
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			mgr.Stop()
			fmt.Println("Stopped.")
			return nil
		},
	}

	cmd.Flags().StringVar(&agentName, "agent", "", "Agent name for the session")
	cmd.Flags().StringVar(&eventID, "event", "", "Event id for the session")
	cmd.Flags().StringVar(&chatID, "chat", "", "Chat id to attach the recording to")
	cmd.Flags().StringVar(&language, "language", "", "Transcription language")
	cmd.Flags().IntVar(&vadLevel, "vad", 2, "VAD aggressiveness (0-3)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address")
	return cmd
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := portaudio.Initialize(); err != nil {
				return err
			}
			defer portaudio.Terminate()

			devices, err := portaudio.Devices()
			if err != nil {
				return err
			}
			def, _ := portaudio.DefaultInputDevice()
			for i, d := range devices {
				if d.MaxInputChannels < 1 {
					continue
				}
				marker := " "
				if def != nil && d.Name == def.Name {
					marker = "*"
				}
				fmt.Printf("%s [%d] %s (%d ch, %.0f Hz)\n", marker, i, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
			}
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and capture capability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := recording.LoadConfig(configPath)
			if err != nil {
				return err
			}

			issues := cfg.Validate()
			if len(issues) == 0 {
				fmt.Println("Configuration: OK")
			} else {
				for _, issue := range issues {
					fmt.Printf("Configuration: %s\n", issue)
				}
			}

			probe := recording.NewPortAudioProbe(nil)
			cap, serr := probe.Probe()
			if serr != nil {
				fmt.Printf("Capture: unavailable (%s)\n", serr.Code)
				return nil
			}
			fmt.Printf("Capture: %s via %q, %d Hz, %d ms frames\n",
				cap.Strategy, cap.DeviceName, cap.SampleRate, cap.FrameDurationMs)
			return nil
		},
	}
}
