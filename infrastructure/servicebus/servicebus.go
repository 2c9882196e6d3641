package servicebus

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// NewServiceBus creates an Azure Service Bus client. A namespace holding a
// connection string is used directly; otherwise the default Azure
// credential chain authenticates against <namespace>.servicebus.windows.net.
func NewServiceBus(_ context.Context, namespace string) (*azservicebus.Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("service bus namespace is empty")
	}
	if strings.HasPrefix(namespace, "Endpoint=") {
		return azservicebus.NewClientFromConnectionString(namespace, nil)
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	host := namespace
	if !strings.Contains(host, ".") {
		host = namespace + ".servicebus.windows.net"
	}
	return azservicebus.NewClient(host, cred, nil)
}
