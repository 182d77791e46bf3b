// Command meterbridged reads an eBZ/Easymeter OBIS telegram feed and
// republishes it to MQTT and a SunSpec-compatible Modbus slave.
package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"sync"

	"github.com/NotCoffee418/meterbridge/internal/buildinfo"
	"github.com/NotCoffee418/meterbridge/internal/config"
	"github.com/NotCoffee418/meterbridge/internal/meterpipeline"
	"github.com/NotCoffee418/meterbridge/internal/modbusserver"
	"github.com/NotCoffee418/meterbridge/internal/monitor"
	"github.com/NotCoffee418/meterbridge/internal/mqttsink"
	"github.com/NotCoffee418/meterbridge/internal/obis"
	"github.com/NotCoffee418/meterbridge/internal/serialio"
	"github.com/NotCoffee418/meterbridge/internal/shutdown"
	"github.com/NotCoffee418/meterbridge/internal/sunspec"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

func main() {
	var configPath, userName, groupName string
	var showVersion bool
	pflag.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	pflag.StringVar(&userName, "user", "", "drop privileges to this user after startup")
	pflag.StringVar(&groupName, "group", "", "drop privileges to this group after startup")
	pflag.BoolVar(&showVersion, "version", false, "print the version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		os.Exit(0)
	}

	if configPath == "" {
		configPath = os.Getenv("METER_CONFIG")
	}
	if userName == "" {
		userName = os.Getenv("METER_USER")
	}
	if groupName == "" {
		groupName = os.Getenv("METER_GROUP")
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "meterbridged: --config PATH or METER_CONFIG is required")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "meterbridged:", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "meterbridged: failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	run(cfg, log, userName, groupName)
}

func run(cfg *config.Config, log *zap.Logger, userName, groupName string) {
	sc := shutdown.New()
	stopSignals := sc.ListenForSignals()
	defer stopSignals()

	parser := obis.NewParser(
		obis.PhaseFactor{PowerFactor: cfg.Meter.PowerFactor, Frequency: cfg.Meter.Frequency},
		buildinfo.ProjectVersion, buildinfo.GitCommit)

	pipeline := meterpipeline.New(
		cfg.Meter.Serial.ToSerialConfig(),
		meterpipeline.BackoffConfig{Min: cfg.Meter.ReconnectDelay.Min, Max: cfg.Meter.ReconnectDelay.Max},
		parser, sc, log.Named("pipeline"))

	sink := mqttsink.New(mqttsink.Config{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		BaseTopic:      cfg.MQTT.BaseTopic,
		QueueLength:    cfg.MQTT.QueueLength,
		PublishTimeout: cfg.MQTT.PublishTimeout,
	}, log.Named("mqtt"))
	if err := sink.Connect(cfg.MQTT.ConnectTimeout); err != nil {
		log.Warn("initial mqtt connect failed, relying on the client's own reconnect", zap.Error(err))
	}

	var snap *sunspec.Snapshot
	if cfg.Modbus != nil {
		snap = sunspec.NewSnapshot(uint16(cfg.Modbus.SlaveID), cfg.Modbus.UseFloatModel)
	}

	var mon *monitor.Monitor
	if cfg.Monitor != nil && cfg.Monitor.Listen != "" {
		mon = monitor.New(log.Named("monitor"))
	}

	pipeline.OnUpdate(func(payload []byte, v obis.Values) {
		sink.PublishValues(payload)
		if snap != nil {
			snap.UpdateValues(v)
		}
	})
	if mon != nil {
		pipeline.OnSnapshot(mon.PublishValues)
	}
	pipeline.OnDevice(func(payload []byte, d obis.Device) {
		sink.PublishDevice(payload)
		if snap != nil {
			if err := snap.UpdateDevice(d); err != nil {
				log.Warn("failed to apply device identity to register bank", zap.Error(err))
			}
		}
		if mon != nil {
			mon.PublishDevice(payload)
		}
	})
	pipeline.OnAvailability(func(a meterpipeline.Availability) {
		connected := a == meterpipeline.Connected
		sink.PublishAvailability(connected)
		if mon != nil {
			mon.PublishAvailability(connected)
		}
	})

	var wg sync.WaitGroup

	if cfg.Modbus != nil {
		srv := modbusserver.New(modbusserver.Config{
			SlaveID:        byte(cfg.Modbus.SlaveID),
			RequestTimeout: cfg.Modbus.RequestTimeout,
			IdleTimeout:    cfg.Modbus.IdleTimeout,
		}, snap, sc, log.Named("modbus"))

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveModbus(cfg.Modbus, srv, sc, log)
		}()
	}

	if mon != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mon.Serve(cfg.Monitor.Listen, sc); err != nil {
				log.Error("status monitor exited with error", zap.Error(err))
			}
		}()
	}

	// Privileges are dropped after every listening socket and serial
	// device above has had a chance to open, and before the meter
	// pipeline (which opens its own serial device per reconnect) starts.
	if userName != "" || groupName != "" {
		if err := dropPrivileges(userName, groupName); err != nil {
			log.Warn("failed to drop privileges", zap.Error(err))
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.Run()
		sc.Shutdown()
	}()

	wg.Wait()
	sink.Close()
	log.Info("meterbridged stopped")
}

func serveModbus(cfg *config.ModbusConfig, srv *modbusserver.Server, sc *shutdown.Coordinator, log *zap.Logger) {
	switch cfg.Transport {
	case config.TransportTCP:
		if err := srv.ServeTCP(cfg.ListenAddress); err != nil {
			log.Error("modbus tcp server exited with error", zap.Error(err))
			sc.Shutdown()
		}
	case config.TransportRTU:
		port, err := serialio.Open(cfg.Serial.ToSerialConfig())
		if err != nil {
			log.Error("failed to open modbus rtu device", zap.Error(err))
			sc.Shutdown()
			return
		}
		defer port.Close()
		if err := srv.ServeRTU(port); err != nil {
			log.Error("modbus rtu server exited with error", zap.Error(err))
			sc.Shutdown()
		}
	}
}

func buildLogger(cfg config.LoggerConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Encoding = cfg.Encoding
	return zapCfg.Build()
}

// dropPrivileges sets gid before uid, matching the order a process that
// drops root must use to retain CAP_SETUID/CAP_SETGID long enough to do
// both; it is best-effort and only attempted when --user/--group is set.
func dropPrivileges(userName, groupName string) error {
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return fmt.Errorf("lookup group %q: %w", groupName, err)
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return err
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid(%d): %w", gid, err)
		}
	}
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return fmt.Errorf("lookup user %q: %w", userName, err)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return err
		}
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("setuid(%d): %w", uid, err)
		}
	}
	return nil
}
