package wps

import (
	"encoding/xml"
)

const (
	Version = "1.0.0"

	nsWPS   = "http://www.opengis.net/wps/1.0.0"
	nsOWS   = "http://www.opengis.net/ows/1.1"
	nsXLink = "http://www.w3.org/1999/xlink"
	nsXSI   = "http://www.w3.org/2001/XMLSchema-instance"

	schemas     = "http://schemas.opengis.net/wps/1.0.0/"
	dataTypeRef = "http://www.w3.org/TR/xmlschema-2/#"

	ContentType = "text/xml; charset=utf-8"
)

// Namespaces are declared on every root element, elements are named with
// their prefix.
type Namespaces struct {
	WPS   string `xml:"xmlns:wps,attr"`
	OWS   string `xml:"xmlns:ows,attr"`
	XLink string `xml:"xmlns:xlink,attr"`
	XSI   string `xml:"xmlns:xsi,attr"`
}

func namespaces() Namespaces {
	return Namespaces{WPS: nsWPS, OWS: nsOWS, XLink: nsXLink, XSI: nsXSI}
}

type Link struct {
	Href string `xml:"xlink:href,attr"`
}

type MetadataLink struct {
	Title string `xml:"xlink:title,attr"`
	Href  string `xml:"xlink:href,attr,omitempty"`
	Role  string `xml:"xlink:role,attr,omitempty"`
}

type Capabilities struct {
	XMLName xml.Name `xml:"wps:Capabilities"`
	Namespaces
	Service        string                `xml:"service,attr"`
	Version        string                `xml:"version,attr"`
	Lang           string                `xml:"xml:lang,attr"`
	SchemaLocation string                `xml:"xsi:schemaLocation,attr"`
	Identification ServiceIdentification `xml:"ows:ServiceIdentification"`
	Provider       ServiceProvider       `xml:"ows:ServiceProvider"`
	Operations     []Operation           `xml:"ows:OperationsMetadata>ows:Operation"`
	Offerings      []ProcessBrief        `xml:"wps:ProcessOfferings>wps:Process"`
	Languages      Languages             `xml:"wps:Languages"`
}

type ServiceIdentification struct {
	Title              string   `xml:"ows:Title"`
	Abstract           string   `xml:"ows:Abstract,omitempty"`
	Keywords           []string `xml:"ows:Keywords>ows:Keyword"`
	ServiceType        string   `xml:"ows:ServiceType"`
	ServiceTypeVersion string   `xml:"ows:ServiceTypeVersion"`
	Fees               string   `xml:"ows:Fees"`
	AccessConstraints  string   `xml:"ows:AccessConstraints"`
}

type ServiceProvider struct {
	Name    string `xml:"ows:ProviderName"`
	Site    *Link  `xml:"ows:ProviderSite,omitempty"`
	Contact string `xml:"ows:ServiceContact>ows:IndividualName,omitempty"`
	Email   string `xml:"ows:ServiceContact>ows:ContactInfo>ows:Address>ows:ElectronicMailAddress,omitempty"`
}

type Operation struct {
	Name string `xml:"name,attr"`
	Get  Link   `xml:"ows:DCP>ows:HTTP>ows:Get"`
	Post Link   `xml:"ows:DCP>ows:HTTP>ows:Post"`
}

type ProcessBrief struct {
	ProcessVersion string         `xml:"wps:processVersion,attr"`
	Identifier     string         `xml:"ows:Identifier"`
	Title          string         `xml:"ows:Title"`
	Abstract       string         `xml:"ows:Abstract,omitempty"`
	Metadata       []MetadataLink `xml:"ows:Metadata"`
}

type Languages struct {
	Default   string   `xml:"wps:Default>ows:Language"`
	Supported []string `xml:"wps:Supported>ows:Language"`
}

type ProcessDescriptions struct {
	XMLName xml.Name `xml:"wps:ProcessDescriptions"`
	Namespaces
	Service        string               `xml:"service,attr"`
	Version        string               `xml:"version,attr"`
	Lang           string               `xml:"xml:lang,attr"`
	SchemaLocation string               `xml:"xsi:schemaLocation,attr"`
	Processes      []ProcessDescription `xml:"ProcessDescription"`
}

type ProcessDescription struct {
	ProcessVersion  string              `xml:"wps:processVersion,attr"`
	StoreSupported  bool                `xml:"storeSupported,attr"`
	StatusSupported bool                `xml:"statusSupported,attr"`
	Identifier      string              `xml:"ows:Identifier"`
	Title           string              `xml:"ows:Title"`
	Abstract        string              `xml:"ows:Abstract,omitempty"`
	Metadata        []MetadataLink      `xml:"ows:Metadata"`
	Inputs          []InputDescription  `xml:"DataInputs>Input"`
	Outputs         []OutputDescription `xml:"ProcessOutputs>Output"`
}

type InputDescription struct {
	MinOccurs  int              `xml:"minOccurs,attr"`
	MaxOccurs  string           `xml:"maxOccurs,attr"`
	Identifier string           `xml:"ows:Identifier"`
	Title      string           `xml:"ows:Title"`
	Abstract   string           `xml:"ows:Abstract,omitempty"`
	Metadata   []MetadataLink   `xml:"ows:Metadata"`
	Literal    *LiteralDomain   `xml:"LiteralData,omitempty"`
	Complex    *ComplexDomain   `xml:"ComplexData,omitempty"`
	BBox       *BoundingBoxCRSs `xml:"BoundingBoxData,omitempty"`
}

type OutputDescription struct {
	Identifier string           `xml:"ows:Identifier"`
	Title      string           `xml:"ows:Title"`
	Abstract   string           `xml:"ows:Abstract,omitempty"`
	Metadata   []MetadataLink   `xml:"ows:Metadata"`
	Literal    *LiteralDomain   `xml:"LiteralOutput,omitempty"`
	Complex    *ComplexDomain   `xml:"ComplexOutput,omitempty"`
	BBox       *BoundingBoxCRSs `xml:"BoundingBoxOutput,omitempty"`
}

type DataType struct {
	Reference string `xml:"ows:reference,attr"`
	Name      string `xml:",chardata"`
}

type LiteralDomain struct {
	DataType      DataType       `xml:"ows:DataType"`
	UOMs          *UOMs          `xml:"UOMs,omitempty"`
	AllowedValues *AllowedValues `xml:"ows:AllowedValues,omitempty"`
	AnyValue      *struct{}      `xml:"ows:AnyValue,omitempty"`
	DefaultValue  string         `xml:"DefaultValue,omitempty"`
}

type UOMs struct {
	Default   string   `xml:"Default>ows:UOM"`
	Supported []string `xml:"Supported>ows:UOM"`
}

type AllowedValues struct {
	Values []string `xml:"ows:Value"`
	Ranges []Range  `xml:"ows:Range"`
}

type Range struct {
	Closure string `xml:"ows:rangeClosure,attr,omitempty"`
	Min     string `xml:"ows:MinimumValue,omitempty"`
	Max     string `xml:"ows:MaximumValue,omitempty"`
	Spacing string `xml:"ows:Spacing,omitempty"`
}

type ComplexDomain struct {
	MaximumMegabytes int64    `xml:"maximumMegabytes,attr,omitempty"`
	Default          Format   `xml:"Default>Format"`
	Supported        []Format `xml:"Supported>Format"`
}

type Format struct {
	MimeType string `xml:"MimeType"`
	Encoding string `xml:"Encoding,omitempty"`
	Schema   string `xml:"Schema,omitempty"`
}

type BoundingBoxCRSs struct {
	Default   string   `xml:"Default>CRS"`
	Supported []string `xml:"Supported>CRS"`
}

type ExecuteResponse struct {
	XMLName xml.Name `xml:"wps:ExecuteResponse"`
	Namespaces
	Service           string             `xml:"service,attr"`
	Version           string             `xml:"version,attr"`
	Lang              string             `xml:"xml:lang,attr"`
	SchemaLocation    string             `xml:"xsi:schemaLocation,attr"`
	ServiceInstance   string             `xml:"serviceInstance,attr"`
	StatusLocation    string             `xml:"statusLocation,attr,omitempty"`
	Process           ProcessBrief       `xml:"wps:Process"`
	Status            Status             `xml:"wps:Status"`
	DataInputs        []InputData        `xml:"wps:DataInputs>wps:Input"`
	OutputDefinitions []OutputDefinition `xml:"wps:OutputDefinitions>wps:Output"`
	ProcessOutputs    []OutputData       `xml:"wps:ProcessOutputs>wps:Output"`
}

type Status struct {
	CreationTime string         `xml:"creationTime,attr"`
	Accepted     *string        `xml:"wps:ProcessAccepted,omitempty"`
	Started      *ProcessStatus `xml:"wps:ProcessStarted,omitempty"`
	Succeeded    *string        `xml:"wps:ProcessSucceeded,omitempty"`
	Failed       *ProcessFailed `xml:"wps:ProcessFailed,omitempty"`
}

type ProcessStatus struct {
	PercentCompleted int    `xml:"percentCompleted,attr"`
	Message          string `xml:",chardata"`
}

type ProcessFailed struct {
	Report ExceptionReport `xml:"ows:ExceptionReport"`
}

type InputData struct {
	Identifier string          `xml:"ows:Identifier"`
	Title      string          `xml:"ows:Title,omitempty"`
	Reference  *InputReference `xml:"wps:Reference,omitempty"`
	Data       *Data           `xml:"wps:Data,omitempty"`
}

type InputReference struct {
	Href     string `xml:"xlink:href,attr"`
	MimeType string `xml:"mimeType,attr,omitempty"`
}

type OutputDefinition struct {
	AsReference bool   `xml:"asReference,attr"`
	MimeType    string `xml:"mimeType,attr,omitempty"`
	UOM         string `xml:"uom,attr,omitempty"`
	Identifier  string `xml:"ows:Identifier"`
}

type OutputData struct {
	Identifier string           `xml:"ows:Identifier"`
	Title      string           `xml:"ows:Title"`
	Abstract   string           `xml:"ows:Abstract,omitempty"`
	Reference  *OutputReference `xml:"wps:Reference,omitempty"`
	Data       *Data            `xml:"wps:Data,omitempty"`
}

type OutputReference struct {
	Href     string `xml:"href,attr"`
	MimeType string `xml:"mimeType,attr,omitempty"`
	Encoding string `xml:"encoding,attr,omitempty"`
	Schema   string `xml:"schema,attr,omitempty"`
}

type Data struct {
	Literal *LiteralValue `xml:"wps:LiteralData,omitempty"`
	Complex *ComplexValue `xml:"wps:ComplexData,omitempty"`
	BBox    *BBoxValue    `xml:"wps:BoundingBoxData,omitempty"`
}

type LiteralValue struct {
	DataType string `xml:"dataType,attr,omitempty"`
	UOM      string `xml:"uom,attr,omitempty"`
	Value    string `xml:",chardata"`
}

// ComplexValue holds one of XML content, CDATA text or base64 text.
type ComplexValue struct {
	MimeType string `xml:"mimeType,attr,omitempty"`
	Encoding string `xml:"encoding,attr,omitempty"`
	Schema   string `xml:"schema,attr,omitempty"`
	XML      string `xml:",innerxml"`
	CDATA    string `xml:",cdata"`
	Text     string `xml:",chardata"`
}

type BBoxValue struct {
	CRS        string `xml:"crs,attr,omitempty"`
	Dimensions int    `xml:"dimensions,attr,omitempty"`
	Lower      string `xml:"ows:LowerCorner"`
	Upper      string `xml:"ows:UpperCorner"`
}

type ExceptionReport struct {
	XMLName    xml.Name    `xml:"ows:ExceptionReport"`
	OWS        string      `xml:"xmlns:ows,attr"`
	Version    string      `xml:"version,attr"`
	Lang       string      `xml:"xml:lang,attr,omitempty"`
	Exceptions []Exception `xml:"ows:Exception"`
}

type Exception struct {
	Code    string `xml:"exceptionCode,attr"`
	Locator string `xml:"locator,attr,omitempty"`
	Text    string `xml:"ows:ExceptionText"`
}

// Encode marshals v with the XML header.
func Encode(v any) ([]byte, error) {
	b, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), b...), nil
}
