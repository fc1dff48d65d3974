package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddielth/gadgetbridge-mqtt/config"
	"github.com/eddielth/gadgetbridge-mqtt/logger"
	"github.com/eddielth/gadgetbridge-mqtt/mqtt"
	"github.com/spf13/cobra"
)

// watchClientID derives a client id that never equals the bridge's, even when
// both fall back to the generated default in the same second.
func watchClientID(id string, now time.Time) string {
	if id == "" {
		id = mqtt.DefaultClientID(now)
	}
	return id + "-watch"
}

func newWatchCommand() *cobra.Command {
	var discovery bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Log the discovery, state and availability messages on the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			topics := mqtt.Topics{
				DiscoveryPrefix: cfg.Topics.DiscoveryPrefix,
				BaseTopic:       cfg.Topics.BaseTopic,
			}

			cfg.MQTT.ClientID = watchClientID(cfg.MQTT.ClientID, time.Now())
			client, err := mqtt.NewClient(cfg.MQTT, "")
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := client.Connect(ctx); err != nil {
				return err
			}
			defer client.Disconnect()

			subscriptions := []string{topics.StateWildcard(), topics.Availability()}
			if discovery {
				subscriptions = append(subscriptions, topics.DiscoveryWildcard())
			}
			for _, topic := range subscriptions {
				if err := client.Subscribe(topic, 1, watchHandler(topics)); err != nil {
					return fmt.Errorf("订阅主题 %s 失败: %w", topic, err)
				}
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&discovery, "discovery", true, "also log discovery configs")
	return cmd
}

func watchHandler(topics mqtt.Topics) mqtt.MessageHandler {
	return func(topic string, payload []byte) {
		if device, metric, ok := topics.ParseState(topic); ok {
			logger.Info("state %s/%s = %s", device, metric, payload)
			return
		}
		if device, metric, ok := topics.ParseDiscovery(topic); ok {
			logger.Info("discovery %s/%s: %s", device, metric, payload)
			return
		}
		if topic == topics.Availability() {
			logger.Info("bridge is %s", payload)
			return
		}
		logger.Debug("ignoring message on %s", topic)
	}
}
