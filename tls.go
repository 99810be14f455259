/*
Copyright 2018-2024 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package policygate

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type TLSConfig struct {
	// (Optional) The path to the Trusted Certificate Authority. Trusted by the
	// fetcher in addition to the system pool.
	CaFile string

	// (Optional) The path to the un-encrypted key for the server certificate.
	KeyFile string

	// (Optional) The path to the server certificate.
	CertFile string

	// (Optional) If InsecureSkipVerify is true, resources are downloaded from
	// servers presenting any certificate and any host name in that certificate.
	InsecureSkipVerify bool

	// (Optional) A Logger which implements the declared logger interface (typically *logrus.Entry)
	Logger logrus.FieldLogger

	// (Optional) The CA Certificate in PEM format. Used if CaFile is unset
	CaPEM *bytes.Buffer

	// (Optional) The Certificate Key in PEM format. Used if KeyFile is unset.
	KeyPEM *bytes.Buffer

	// (Optional) The Certificate in PEM format. Used if CertFile is unset.
	CertPEM *bytes.Buffer

	// (Optional) The config created for use by the HTTP server. Nil unless a
	// server certificate was provided.
	ServerTLS *tls.Config

	// (Optional) The config created for use by the resource fetcher.
	ClientTLS *tls.Config
}

func fromFile(name string) (*bytes.Buffer, error) {
	if name == "" {
		return nil, nil
	}

	b, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrapf(err, "while reading file '%s'", name)
	}
	return bytes.NewBuffer(b), nil
}

func SetupTLS(conf *TLSConfig) error {
	var err error

	if conf == nil || conf.ServerTLS != nil || conf.ClientTLS != nil {
		return nil
	}

	setter.SetDefault(&conf.Logger, logrus.WithField("category", "policygate"))
	conf.Logger.Info("Detected TLS Configuration")

	conf.ClientTLS = &tls.Config{MinVersion: tls.VersionTLS12}

	// Attempt to load any files provided
	if conf.CaPEM == nil {
		if conf.CaPEM, err = fromFile(conf.CaFile); err != nil {
			return err
		}
	}
	if conf.KeyPEM == nil {
		if conf.KeyPEM, err = fromFile(conf.KeyFile); err != nil {
			return err
		}
	}
	if conf.CertPEM == nil {
		if conf.CertPEM, err = fromFile(conf.CertFile); err != nil {
			return err
		}
	}

	if conf.CaPEM != nil {
		rootPool, err := x509.SystemCertPool()
		if err != nil {
			conf.Logger.Warnf("while loading system CA Certs '%s'; using provided pool instead", err)
			rootPool = x509.NewCertPool()
		}
		if !rootPool.AppendCertsFromPEM(conf.CaPEM.Bytes()) {
			return errors.New("no certificates found in CA PEM")
		}
		conf.ClientTLS.RootCAs = rootPool
	}

	if conf.KeyPEM != nil && conf.CertPEM != nil {
		serverCert, err := tls.X509KeyPair(conf.CertPEM.Bytes(), conf.KeyPEM.Bytes())
		if err != nil {
			return errors.Wrap(err, "while parsing server certificate and private key")
		}
		conf.ServerTLS = &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			MinVersion:   tls.VersionTLS12,
			NextProtos: []string{
				"h2", "http/1.1", // enable HTTP/2
			},
		}
	}

	conf.ClientTLS.InsecureSkipVerify = conf.InsecureSkipVerify
	return nil
}
