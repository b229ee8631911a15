// Package observability wires logging and metrics for batch runs.
package observability

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"k8s.io/klog/v2"
)

// mqttLogger forwards one paho log level to klog and tags every line with
// the client's name.
type mqttLogger struct {
	prefix string
	print  func(args ...interface{})
}

func (l mqttLogger) Println(v ...interface{}) {
	l.print(l.prefix + fmt.Sprintln(v...))
}

func (l mqttLogger) Printf(format string, v ...interface{}) {
	l.print(l.prefix + fmt.Sprintf(format, v...))
}

// ConfigureLogging routes the MQTT client's loggers into klog. Client
// errors are logged as warnings, critical errors as errors.
func ConfigureLogging() {
	const prefix = "mqtt: "
	mqtt.DEBUG = mqttLogger{prefix, klog.V(5).Info}
	mqtt.WARN = mqttLogger{prefix, klog.V(1).Info}
	mqtt.ERROR = mqttLogger{prefix, klog.Warning}
	mqtt.CRITICAL = mqttLogger{prefix, klog.Error}
}
