package main

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/esptimecast/flasherd-go/core"
	"github.com/esptimecast/flasherd-go/firmware"
	"github.com/esptimecast/flasherd-go/loader"
	"github.com/esptimecast/flasherd-go/prefs"
	"github.com/esptimecast/flasherd-go/serial"
	"github.com/esptimecast/flasherd-go/server"
)

const version = "2.1.0"

type udpPorts []int

func (i *udpPorts) String() string {
	res := ""
	for i, p := range *i {
		if i > 0 {
			res = res + ","
		}
		res = res + strconv.Itoa(p)
	}
	return res
}

func (i *udpPorts) Set(value string) error {
	p, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*i = append(*i, p)
	return nil
}

func main() {
	var logfile string
	var ports udpPorts
	var withSerial bool
	var manifestPath string
	var prefsPath string
	var verbose bool
	var versionFlag bool

	flag.StringVar(&logfile, "l", "", "Log into a file, rotating after 20MB")
	flag.Var(&ports, "e", "Use UDP port for emulator. Can be repeated for more ports. Example: flasherd -e 21324 -e 21326")
	flag.BoolVar(&withSerial, "u", true, "Use real serial ports. Can be disabled for testing environments. Example: flasherd -e 21324 -u=false")
	flag.StringVar(&manifestPath, "m", "manifest.json", "Path to the firmware manifest")
	flag.StringVar(&prefsPath, "p", "flasherd-prefs.json", "Path to the preferences file")
	flag.BoolVar(&verbose, "v", false, "Write verbose logs to either stderr or logfile")
	flag.BoolVar(&versionFlag, "version", false, "Write version")
	flag.Parse()

	if versionFlag {
		fmt.Printf("flasherd version %s\n", version)
		return
	}

	stderrWriter, stderrLogger, shortMemoryWriter, longMemoryWriter := initLoggers(logfile, verbose)

	stderrLogger.Printf("flasherd v%s is starting.", version)

	var buses []core.Bus
	if withSerial {
		longMemoryWriter.Println("main - initing serial bus")
		sb, err := serial.InitSerial(longMemoryWriter)
		if err != nil {
			stderrLogger.Fatalf("serial: %s", err)
		}
		buses = append(buses, sb)
	}

	longMemoryWriter.Println(fmt.Sprintf("main - UDP port count - %d", len(ports)))
	if len(ports) > 0 {
		e, err := serial.InitUDP(ports, longMemoryWriter)
		if err != nil {
			stderrLogger.Fatalf("emulator: %s", err)
		}
		buses = append(buses, e)
	}

	if len(buses) == 0 {
		stderrLogger.Fatalf("No transports enabled")
	}

	b := serial.Init(buses...)

	fw, err := firmware.Load(manifestPath)
	if err != nil {
		stderrLogger.Fatalf("firmware: %s", err)
	}

	p, err := prefs.Open(prefsPath)
	if err != nil {
		stderrLogger.Fatalf("prefs: %s", err)
	}

	longMemoryWriter.Println("main - creating core")
	c := core.New(b, fw, p, loader.New, longMemoryWriter)

	longMemoryWriter.Println("main - creating HTTP server")
	s, err := server.New(c, fw, p, stderrWriter, shortMemoryWriter, longMemoryWriter, version)
	if err != nil {
		stderrLogger.Fatalf("https: %s", err)
	}

	longMemoryWriter.Println("main - running HTTP server")
	err = s.Run()
	if err != nil {
		stderrLogger.Fatalf("https: %s", err)
	}

	longMemoryWriter.Println("main - ended successfully")
}
