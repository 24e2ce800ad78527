package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/rtstream/stream"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

// TailCLIArgs arguments of the tail client
type TailCLIArgs struct {
	ServerURL       string   `validate:"required,url"`
	DeviceID        string   `validate:"required"`
	DeviceName      string   `validate:"required"`
	Metrics         []string `validate:"required,min=1,dive,required"`
	MaxRecords      int      `validate:"gte=0"`
	RequestIDHeader string
}

// GetTailCLIFlags retrieve the set of CMD flags for the tail client
func GetTailCLIFlags(args *TailCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "server-url",
			Usage:       "Gateway streaming end-point",
			Aliases:     []string{"s"},
			EnvVars:     []string{"TAIL_SERVER_URL"},
			Value:       "ws://127.0.0.1:31415/rt-stream",
			DefaultText: "ws://127.0.0.1:31415/rt-stream",
			Destination: &args.ServerURL,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "device-id",
			Usage:       "ID of the device to stream from",
			Aliases:     []string{"d"},
			EnvVars:     []string{"TAIL_DEVICE_ID"},
			Destination: &args.DeviceID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "device-name",
			Usage:       "Type name of the device to stream from",
			Aliases:     []string{"n"},
			EnvVars:     []string{"TAIL_DEVICE_NAME"},
			Destination: &args.DeviceName,
			Required:    true,
		},
		&cli.StringSliceFlag{
			Name:     "metric",
			Usage:    "Metric to subscribe to. Repeat for multiple metrics.",
			Aliases:  []string{"m"},
			EnvVars:  []string{"TAIL_METRICS"},
			Required: true,
		},
		&cli.IntFlag{
			Name:        "count",
			Usage:       "Exit after this many records. 0 streams until interrupted.",
			Aliases:     []string{"c"},
			EnvVars:     []string{"TAIL_COUNT"},
			Value:       0,
			DefaultText: "0",
			Destination: &args.MaxRecords,
			Required:    false,
		},
	}
}

// RunTailClient subscribe to the requested metrics and print every frame received
func RunTailClient(
	runtimeContext context.Context, args TailCLIArgs, instance string, output io.Writer,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "tail",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	header := http.Header{}
	if args.RequestIDHeader != "" {
		header.Add(args.RequestIDHeader, uuid.New().String())
	}
	dialCtxt, dialCancel := context.WithTimeout(runtimeContext, time.Second*10)
	defer dialCancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtxt, args.ServerURL, header)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to connect to %s", args.ServerURL)
		return err
	}
	defer conn.Close()
	log.WithFields(logTags).Infof("Connected to %s", args.ServerURL)

	for _, metric := range args.Metrics {
		request, err := json.Marshal(&stream.SubscribeRequest{
			DeviceID: args.DeviceID, DeviceName: args.DeviceName, Metric: metric,
		})
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, request); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe to %s", metric)
			return err
		}
		log.WithFields(logTags).Debugf("Subscribed to %s", metric)
	}

	// Close the connection once the caller is done
	readerDone := make(chan struct{})
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer close(readerDone)
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-runtimeContext.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		case <-readerDone:
		}
	}()

	received := 0
	for args.MaxRecords == 0 || received < args.MaxRecords {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if runtimeContext.Err() != nil || websocket.IsCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithFields(logTags).Info("Stream ended")
				return nil
			}
			log.WithError(err).WithFields(logTags).Error("Stream failed")
			return err
		}
		if _, err := fmt.Fprintf(output, "%s\n", frame); err != nil {
			return err
		}
		received++
	}
	return nil
}
