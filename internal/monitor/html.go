package monitor

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>MJPEG Stream Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; padding: 16px; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #1c1c1c; border-radius: 6px; padding: 12px; }
        button { margin: 2px; padding: 6px 12px; }
        pre { font-size: 12px; white-space: pre-wrap; }
        img, video { width: 100%; background: #000; }
    </style>
</head>
<body>
    <div class="grid">
        <div class="panel">
            <h2>Live Feed</h2>
            <div>
                <button type="button" id="btn-mjpeg">MJPEG</button>
                <button type="button" id="btn-webrtc">WebRTC</button>
            </div>
            <img id="stream" src="/stream" alt="Live stream">
            <video id="webrtc-video" autoplay playsinline muted style="display:none;"></video>
        </div>
        <div class="panel">
            <h2>Controls</h2>
            <button type="button" data-post="/api/pause">Pause</button>
            <button type="button" data-post="/api/resume">Resume</button>
            <button type="button" data-post="/api/recording/start">Record</button>
            <button type="button" data-post="/api/recording/stop">Stop</button>
            <button type="button" data-post="/api/recording/delete">Delete</button>
            <h2>Status</h2>
            <pre id="status">Waiting for data...</pre>
        </div>
    </div>
    <script>
        document.querySelectorAll('[data-post]').forEach(function (btn) {
            btn.addEventListener('click', function () {
                fetch(btn.dataset.post, { method: 'POST' })
                    .then(function (r) { return r.json(); })
                    .then(function (body) { console.log(btn.dataset.post, body); });
            });
        });

        var events = new EventSource('/api/status/stream');
        events.onmessage = function (e) {
            document.getElementById('status').textContent = JSON.stringify(JSON.parse(e.data), null, 2);
        };

        var img = document.getElementById('stream');
        var video = document.getElementById('webrtc-video');
        var pc = null;

        document.getElementById('btn-mjpeg').addEventListener('click', function () {
            if (pc) { pc.close(); pc = null; }
            video.style.display = 'none';
            img.src = '/stream';
            img.style.display = 'block';
        });

        document.getElementById('btn-webrtc').addEventListener('click', function () {
            img.src = '';
            img.style.display = 'none';
            video.style.display = 'block';
            pc = new RTCPeerConnection({ iceServers: [{ urls: 'stun:stun.l.google.com:19302' }] });
            pc.addTransceiver('video', { direction: 'recvonly' });
            pc.ontrack = function (e) { video.srcObject = e.streams[0]; };
            pc.createOffer()
                .then(function (offer) { return pc.setLocalDescription(offer); })
                .then(function () {
                    return fetch('/api/webrtc/offer', {
                        method: 'POST',
                        headers: { 'Content-Type': 'application/json' },
                        body: JSON.stringify(pc.localDescription)
                    });
                })
                .then(function (r) { return r.json(); })
                .then(function (answer) { return pc.setRemoteDescription(answer); })
                .catch(function (err) { console.error('WebRTC', err); });
        });
    </script>
</body>
</html>
`
